package role

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Role is what a user may act as. A user may hold several roles.
type Role string

const (
	Student    Role = "student"
	Instructor Role = "instructor"
	Company    Role = "company"
	Admin      Role = "admin"
)

var (
	All = []Role{Student, Instructor, Company, Admin}

	priorities = map[Role]int{
		// Admins: 30 - 21
		Admin: 30,

		// Companies: 20 - 12
		Company: 20,

		// Instructors: 11
		Instructor: 11,

		// Students: 10 - 1
		Student: 1,
	}

	Choices = []Choice{
		{Name: "Student", Value: Student},
		{Name: "Instructor", Value: Instructor},
		{Name: "Company", Value: Company},
		{Name: "Admin", Value: Admin},
	}

	ErrInvalid = errors.New("invalid role")
)

type Choice struct {
	Name  string `json:"name"`
	Value Role   `json:"value"`
}

// Assignment grants Role to a user. Assignments are only ever added or removed.
type Assignment struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"` // UTC
}

// Parse cleans `s` and returns the matching Role.
func Parse(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", errors.Wrapf(ErrInvalid, "%q", s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	_, ok := priorities[r]
	return ok
}

func (r Role) Priority() int {
	return priorities[r]
}

func (r Role) String() string {
	return string(r)
}

// Name returns the display name of the role.
func (r Role) Name() string {
	for _, c := range Choices {
		if c.Value == r {
			return c.Name
		}
	}
	return string(r)
}

func MaxPriority(roles []Role) int {
	var max int
	for _, r := range roles {
		if r.Priority() > max {
			max = r.Priority()
		}
	}
	return max
}

func Contains(roles []Role, r Role) bool {
	for _, rl := range roles {
		if rl == r {
			return true
		}
	}
	return false
}

// Normalize drops invalid and duplicate roles and sorts the rest by ascending priority.
func Normalize(roles []Role) []Role {
	seen := make(map[Role]bool, len(roles))
	res := make([]Role, 0, len(roles))
	for _, r := range roles {
		if r.Valid() && !seen[r] {
			seen[r] = true
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Priority() < res[j].Priority() })
	return res
}

func Strings(roles []Role) []string {
	res := make([]string, 0, len(roles))
	for _, r := range roles {
		res = append(res, string(r))
	}
	return res
}
