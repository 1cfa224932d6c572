package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/session"
	"github.com/trezcool/academia/services/apiclient"
)

var errQuit = errors.New("quit")

// signupRoles are the roles one may pick when creating an account.
var signupRoles = []role.Role{role.Student, role.Instructor, role.Company}

type portal struct {
	res          *session.Resolver
	in           *bufio.Scanner
	out          io.Writer
	readPassword func() (string, error)
}

func newPortal(res *session.Resolver, in io.Reader, out io.Writer) *portal {
	p := &portal{res: res, in: bufio.NewScanner(in), out: out}
	p.readPassword = p.readLine
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		p.readPassword = func() (string, error) {
			pwd, err := term.ReadPassword(fd)
			fmt.Fprintln(p.out)
			return string(pwd), err
		}
	}
	return p
}

func (p *portal) printHelp() {
	fmt.Fprintln(p.out, "Commands:")
	fmt.Fprintln(p.out, "  signup        - create an account")
	fmt.Fprintln(p.out, "  signin        - sign in")
	fmt.Fprintln(p.out, "  select ROLE   - act as one of your roles")
	fmt.Fprintln(p.out, "  whoami        - show the current session")
	fmt.Fprintln(p.out, "  signout       - sign out")
	fmt.Fprintln(p.out, "  quit          - leave")
}

// run reads commands until `quit` or the end of the input.
func (p *portal) run(ctx context.Context) error {
	p.render()
	for {
		fmt.Fprint(p.out, "> ")
		line, err := p.readLine()
		if err == io.EOF {
			fmt.Fprintln(p.out)
			return nil
		}
		if err != nil {
			return err
		}

		err = p.exec(ctx, strings.Fields(line))
		if err == errQuit {
			return nil
		}
		if err != nil {
			p.printError(err)
		}
		p.render()
	}
}

func (p *portal) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}

	switch strings.ToLower(args[0]) {
	case "signup":
		return p.signUp(ctx)
	case "signin", "login":
		return p.signIn(ctx)
	case "select":
		if len(args) < 2 {
			return errors.New("usage: select ROLE")
		}
		r, err := role.Parse(args[1])
		if err != nil {
			return err
		}
		return p.res.SelectRole(r)
	case "whoami":
		p.whoami()
		return nil
	case "signout", "logout":
		return p.res.SignOut(ctx)
	case "help", "?":
		p.printHelp()
		return nil
	case "quit", "exit":
		return errQuit
	default:
		p.printHelp()
		return errors.Errorf("%q: no such command", args[0])
	}
}

func (p *portal) signUp(ctx context.Context) error {
	name, err := p.prompt("Name: ")
	if err != nil {
		return err
	}
	email, err := p.prompt("Email: ")
	if err != nil {
		return err
	}
	rl, err := p.prompt(fmt.Sprintf("Role (%s): ", strings.Join(role.Strings(signupRoles), ", ")))
	if err != nil {
		return err
	}
	r, err := role.Parse(rl)
	if err != nil {
		return err
	}
	pwd, err := p.promptPassword()
	if err != nil {
		return err
	}
	return p.res.SignUp(ctx, email, pwd, session.Profile{Name: name}, r)
}

func (p *portal) signIn(ctx context.Context) error {
	email, err := p.prompt("Email: ")
	if err != nil {
		return err
	}
	pwd, err := p.promptPassword()
	if err != nil {
		return err
	}
	return p.res.SignIn(ctx, email, pwd)
}

func (p *portal) whoami() {
	state := p.res.State()
	if !state.Authenticated() {
		fmt.Fprintln(p.out, "not signed in")
		return
	}
	fmt.Fprintf(p.out, "%s (%s)\n", state.Identity.Email, state.Identity.ID)
	fmt.Fprintf(p.out, "  roles: %s\n", strings.Join(role.Strings(state.AvailableRoles), ", "))
	if state.ActiveRole != "" {
		fmt.Fprintf(p.out, "  acting as: %s\n", state.ActiveRole)
	}
	if state.Session != nil {
		fmt.Fprintf(p.out, "  session expires at: %s\n", state.Session.ExpiresAt.Local().Format("2006-01-02 15:04"))
	}
}

// render prints the screen the current state routes to.
func (p *portal) render() {
	state := p.res.State()
	switch state.View() {
	case session.ViewSignIn:
		fmt.Fprintln(p.out, "[sign in] Sign in (signin) or create an account (signup).")
	case session.ViewLoading:
		fmt.Fprintln(p.out, "[loading] Loading your account...")
	case session.ViewRoleSelection:
		fmt.Fprintf(p.out, "[role selection] Choose a role (select ROLE): %s\n", strings.Join(role.Strings(state.AvailableRoles), ", "))
	case session.ViewNoRole:
		fmt.Fprintf(p.out, "[no role] No role is assigned to %s yet. Please contact an administrator.\n", state.Identity.Email)
	case session.ViewDashboard:
		fmt.Fprintf(p.out, "[%s dashboard] Welcome %s!\n", strings.ToLower(state.ActiveRole.Name()), state.Identity.Email)
	}
}

func (p *portal) printError(err error) {
	var sErr *session.Error
	if !errors.As(err, &sErr) {
		fmt.Fprintf(p.out, "error: %v\n", err)
		return
	}

	switch sErr.Kind {
	case session.KindCredential:
		if len(sErr.Fields) == 0 {
			var apiErr *apiclient.APIError
			if errors.As(sErr, &apiErr) {
				fmt.Fprintf(p.out, "error: %s\n", apiErr.Message)
				return
			}
			fmt.Fprintf(p.out, "error: %v\n", sErr.Err)
			return
		}
		fields := make([]string, 0, len(sErr.Fields))
		for f := range sErr.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			fmt.Fprintf(p.out, "error: %s: %s\n", f, sErr.Fields[f])
		}
	case session.KindProvider:
		fmt.Fprintln(p.out, "error: the service is unavailable, please try again later")
	case session.KindRoleWrite:
		fmt.Fprintln(p.out, "error: your account was created but your role could not be assigned")
	default:
		fmt.Fprintf(p.out, "error: %v\n", sErr.Err)
	}
}

func (p *portal) prompt(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.readLine()
	if err == io.EOF {
		return "", errors.New("input closed")
	}
	return strings.TrimSpace(line), err
}

func (p *portal) promptPassword() (string, error) {
	fmt.Fprint(p.out, "Password: ")
	pwd, err := p.readPassword()
	if err == io.EOF {
		return "", errors.New("input closed")
	}
	return pwd, err
}

func (p *portal) readLine() (string, error) {
	if !p.in.Scan() {
		if err := p.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.in.Text(), nil
}
