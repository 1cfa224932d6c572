package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/academia/core/auth"
	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/user"
	testutil "github.com/trezcool/academia/tests"
)

type fakeMigrator struct {
	calls   []string
	version uint
	err     error
	closed  bool
}

var _ migrator = (*fakeMigrator)(nil) // interface compliance check

func (m *fakeMigrator) Up() error {
	m.calls = append(m.calls, "up")
	return m.err
}

func (m *fakeMigrator) Steps(n int) error {
	if n < 0 {
		m.calls = append(m.calls, "down")
	}
	return m.err
}

func (m *fakeMigrator) Version() (uint, bool, error) {
	m.calls = append(m.calls, "version")
	return m.version, false, m.err
}

func (m *fakeMigrator) Force(version int) error {
	m.calls = append(m.calls, "force")
	m.version = uint(version)
	return m.err
}

func (m *fakeMigrator) Close() (error, error) {
	m.closed = true
	return nil, nil
}

func setup(t *testing.T) (*testutil.Env, *commandLine, *bytes.Buffer, *fakeMigrator) {
	env := testutil.Setup(t)
	out := new(bytes.Buffer)
	mig := new(fakeMigrator)

	return env, &commandLine{
		users:       env.Users,
		roles:       env.Roles,
		sessions:    env.Sessions,
		newMigrator: func() (migrator, error) { return mig, nil },
		out:         out,
	}, out, mig
}

type cliTest struct {
	name       string
	args       []string // without program name
	pwd        string
	wantErr    error
	wantErrStr string
	wantOut    string
}

func runCLITests(t *testing.T, cli *commandLine, out *bytes.Buffer, tests []cliTest) {
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		pwd := tt.pwd

		readPasswordFunc = func(fd int) ([]byte, error) { return []byte(pwd), nil }

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			err := cli.run(context.Background(), args)
			switch {
			case tt.wantErr != nil:
				if errors.Cause(err) != tt.wantErr {
					t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
				}
			case tt.wantErrStr != "":
				if err == nil || err.Error() != tt.wantErrStr {
					t.Errorf("cli.run() error = %v, wantErrStr %s", err, tt.wantErrStr)
				}
			case err != nil:
				t.Errorf("cli.run() unexpected error = %v", err)
			}
			if tt.wantOut != "" {
				assert.Contains(t, out.String(), tt.wantOut)
			}
		})
	}
}

func Test_commandLine_migrate(t *testing.T) {
	_, cli, out, mig := setup(t)

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "force: no args", args: []string{"migrate", "force"}, wantErrStr: "force must be of form: migrate force VERSION"},
		{name: "force: non-int arg", args: []string{"migrate", "force", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "up", args: []string{"migrate", "up"}, wantOut: "migrate up: done"},
		{name: "down", args: []string{"migrate", "down"}, wantOut: "migrate down: done"},
		{name: "force", args: []string{"migrate", "force", "2"}, wantOut: "migrate force: done"},
		{name: "version", args: []string{"migrate", "version"}, wantOut: "version: 2 (dirty: false)"},
	}
	runCLITests(t, cli, out, tests)

	assert.Equal(t, []string{"up", "down", "force", "version"}, mig.calls)
	assert.True(t, mig.closed)

	t.Run("no change", func(t *testing.T) {
		mig.err = migrate.ErrNoChange
		defer func() { mig.err = nil }()

		out.Reset()
		require.NoError(t, cli.run(context.Background(), []string{"admin", "migrate", "up"}))
		assert.Contains(t, out.String(), "no change")
	})

	t.Run("no version", func(t *testing.T) {
		mig.err = migrate.ErrNilVersion
		defer func() { mig.err = nil }()

		out.Reset()
		require.NoError(t, cli.run(context.Background(), []string{"admin", "migrate", "version"}))
		assert.Contains(t, out.String(), "no migration applied")
	})
}

func Test_commandLine_addUser(t *testing.T) {
	env, cli, out, _ := setup(t)
	ctx := context.Background()

	existing := env.CreateUser(t, "Gone", "gone@test.cd", "old-pwd", nil, false)

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "no args", args: []string{"adduser"}, wantErr: errHelp},
		{name: "no email", args: []string{"adduser", "-name", "Jane"}, wantErr: errHelp},
		{name: "no password", args: []string{"adduser", "-name", "Jane", "-email", "jane@test.cd"}, wantErr: errHelp},
		{
			name: "invalid role", args: []string{"adduser", "-name", "Jane", "-email", "jane@test.cd", "-roles", "teacher"},
			pwd: "pwd", wantErr: role.ErrInvalid,
		},
		{
			name: "create", args: []string{"adduser", "-name", "Jane", "-email", " Jane@test.cd", "-roles", "admin, instructor"},
			pwd: "s3cret", wantOut: "jane@test.cd: instructor, admin",
		},
		{name: "re-activate", args: []string{"adduser", "-name", "Gone", "-email", "gone@test.cd"}, pwd: "n3w", wantOut: "gone@test.cd: no role"},
	}
	runCLITests(t, cli, out, tests)

	jane, err := env.Users.GetByEmail(ctx, "jane@test.cd")
	require.NoError(t, err)
	assert.True(t, jane.IsActive)
	assert.NoError(t, jane.CheckPassword("s3cret"))

	gone, err := env.Users.GetByID(ctx, existing.ID)
	require.NoError(t, err)
	assert.True(t, gone.IsActive)
	assert.NoError(t, gone.CheckPassword("n3w"))
}

func Test_commandLine_roles(t *testing.T) {
	env, cli, out, _ := setup(t)
	env.CreateUser(t, "Jane", "jane@test.cd", "pwd", []role.Role{role.Student}, true)

	tests := []cliTest{
		{name: "grant: no args", args: []string{"grantrole"}, wantErr: errHelp},
		{name: "grant: invalid role", args: []string{"grantrole", "-email", "jane@test.cd", "-role", "lol"}, wantErr: role.ErrInvalid},
		{name: "grant: unknown user", args: []string{"grantrole", "-email", "who@test.cd", "-role", "company"}, wantErr: user.ErrNotFound},
		{name: "grant", args: []string{"grantrole", "-email", "jane@test.cd", "-role", "company"}, wantOut: "jane@test.cd: student, company"},
		{name: "list", args: []string{"roles", "-email", "JANE@test.cd"}, wantOut: "jane@test.cd: student, company"},
		{name: "revoke: not assigned", args: []string{"revokerole", "-email", "jane@test.cd", "-role", "admin"}, wantErr: role.ErrNotFound},
		{name: "revoke", args: []string{"revokerole", "-email", "jane@test.cd", "-role", "student"}, wantOut: "jane@test.cd: company"},
		{name: "list: no args", args: []string{"roles"}, wantErr: errHelp},
	}
	runCLITests(t, cli, out, tests)
}

func Test_commandLine_resetPassword(t *testing.T) {
	env, cli, out, _ := setup(t)
	ctx := context.Background()

	usr := env.CreateUser(t, "Jane", "jane@test.cd", "mdr", nil, true)
	tok := env.Token(t, usr)

	tests := []cliTest{
		{name: "no args", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "email but no password", args: []string{"resetpassword", "-email", "jane@test.cd"}, wantErr: errHelp},
		{name: "user not found", args: []string{"resetpassword", "-email", "lol@test.cd"}, pwd: "lol", wantErr: user.ErrNotFound},
		{name: "reset", args: []string{"resetpassword", "-email", "jane@test.cd"}, pwd: "lmao", wantOut: "password of jane@test.cd reset"},
	}
	runCLITests(t, cli, out, tests)

	refreshed, err := env.Users.GetByID(ctx, usr.ID)
	require.NoError(t, err)
	assert.NoError(t, refreshed.CheckPassword("lmao"))

	// signed out everywhere
	_, err = env.Sessions.GetSession(ctx, tok.SessionID)
	assert.Equal(t, auth.ErrSessionNotFound, errors.Cause(err))

	t.Run("without session store", func(t *testing.T) {
		cli.sessions = nil
		tok := env.Token(t, usr)

		require.NoError(t, cli.resetPassword(ctx, "jane@test.cd", "again"))
		_, err := env.Sessions.GetSession(ctx, tok.SessionID)
		assert.NoError(t, err)
	})
}
