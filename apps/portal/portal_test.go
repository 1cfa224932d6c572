package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/academia/apps/api/echo"
	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/session"
	"github.com/trezcool/academia/services/apiclient"
	testutil "github.com/trezcool/academia/tests"
)

const password = "Str0ng!Pass#42"

func setup(t *testing.T) (*testutil.Env, *session.Resolver) {
	env := testutil.Setup(t)
	srv := httptest.NewServer(echoapi.NewServer(echoapi.ServerDeps{
		Conf:           env.Conf,
		Logger:         env.Logger,
		Users:          env.Users,
		Roles:          env.Roles,
		Auth:           env.Auth,
		Metrics:        env.Metrics,
		Validate:       env.Validate,
		Translator:     env.Translator,
		DisableReqLogs: true,
	}))
	t.Cleanup(srv.Close)

	client := apiclient.New(srv.URL, apiclient.NewTokenFile(filepath.Join(t.TempDir(), "session")), env.Logger)
	res := session.NewResolver(client, client,
		session.WithRetry(env.Conf.Roles.FetchAttempts, env.Conf.Roles.FetchDelay),
		session.WithLogger(env.Logger),
	)
	t.Cleanup(res.Close)
	require.NoError(t, res.Start(context.Background()))
	return env, res
}

func script(lines ...string) *strings.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

func Test_portal_run(t *testing.T) {
	env, res := setup(t)
	env.CreateUser(t, "Jane", "jane@test.cd", password, []role.Role{role.Student, role.Company}, true)

	tests := []struct {
		name     string
		lines    []string
		wantOut  []string
		wantView session.View
	}{
		{
			name:     "bad credentials",
			lines:    []string{"signin", "jane@test.cd", "wrong"},
			wantOut:  []string{"error: authentication failed", "[sign in]"},
			wantView: session.ViewSignIn,
		},
		{
			name:     "several roles",
			lines:    []string{"signin", "jane@test.cd", password},
			wantOut:  []string{"[role selection] Choose a role (select ROLE): student, company"},
			wantView: session.ViewRoleSelection,
		},
		{
			name:     "unavailable role",
			lines:    []string{"select instructor"},
			wantOut:  []string{"error: \"instructor\" is not an available role"},
			wantView: session.ViewRoleSelection,
		},
		{
			name:     "select",
			lines:    []string{"select company", "whoami"},
			wantOut:  []string{"[company dashboard] Welcome jane@test.cd!", "acting as: company"},
			wantView: session.ViewDashboard,
		},
		{
			name:     "sign out",
			lines:    []string{"signout", "whoami"},
			wantOut:  []string{"not signed in", "[sign in]"},
			wantView: session.ViewSignIn,
		},
		{
			name:     "duplicate sign up",
			lines:    []string{"signup", "Jane", "jane@test.cd", "student", password},
			wantOut:  []string{"error: email: "},
			wantView: session.ViewSignIn,
		},
		{
			name:     "sign up",
			lines:    []string{"signup", "John", "John@test.cd", "instructor", password},
			wantOut:  []string{"[instructor dashboard] Welcome john@test.cd!"},
			wantView: session.ViewDashboard,
		},
		{
			name:     "unknown command",
			lines:    []string{"lol"},
			wantOut:  []string{"error: \"lol\": no such command", "Commands:"},
			wantView: session.ViewDashboard,
		},
		{
			name:     "quit",
			lines:    []string{"quit", "signout"},
			wantView: session.ViewDashboard,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := new(bytes.Buffer)
			p := newPortal(res, script(tt.lines...), out)

			require.NoError(t, p.run(context.Background()))
			for _, want := range tt.wantOut {
				assert.Contains(t, out.String(), want)
			}
			assert.Equal(t, tt.wantView, res.State().View())
		})
	}
}

func Test_portal_noRole(t *testing.T) {
	env, res := setup(t)
	env.CreateUser(t, "Nobody", "nobody@test.cd", password, nil, true)

	out := new(bytes.Buffer)
	p := newPortal(res, script("signin", "nobody@test.cd", password), out)
	require.NoError(t, p.run(context.Background()))

	assert.Contains(t, out.String(), "[no role] No role is assigned to nobody@test.cd yet.")
	assert.False(t, res.State().CanAccess())
}

func Test_portal_closedInput(t *testing.T) {
	_, res := setup(t)

	out := new(bytes.Buffer)
	p := newPortal(res, strings.NewReader("signin\njane@test.cd"), out)
	require.NoError(t, p.run(context.Background()))

	assert.Contains(t, out.String(), "error: input closed")
	assert.Equal(t, session.Unauthenticated, res.State().Phase)
}
