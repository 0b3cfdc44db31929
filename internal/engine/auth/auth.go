// Package auth answers "may this actor do this on this project". Role
// grants live in actor_roles; a grant scoped to "*" applies everywhere.
package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const globalScope = "*"

// ForbiddenError reports a role check the actor did not pass.
type ForbiddenError struct {
	ActorID   string
	ProjectID string
	Op        string
	Roles     []string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s may not %s on project %s (requires one of: %s)",
		e.ActorID, e.Op, e.ProjectID, strings.Join(e.Roles, ", "))
}

type Service struct {
	DB *sql.DB
}

// ActorRoles returns the roles the actor holds on the project, including
// global grants.
func (s Service) ActorRoles(ctx context.Context, projectID, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles
		WHERE actor_id=? AND (project_id=? OR project_id=?)`, actorID, projectID, globalScope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// Require passes when the actor holds at least one of the listed roles on
// the project; otherwise it returns a ForbiddenError.
func (s Service) Require(ctx context.Context, projectID, actorID, op string, roles ...string) error {
	held, err := s.ActorRoles(ctx, projectID, actorID)
	if err != nil {
		return err
	}
	for _, h := range held {
		for _, want := range roles {
			if h == want {
				return nil
			}
		}
	}
	return &ForbiddenError{ActorID: actorID, ProjectID: projectID, Op: op, Roles: roles}
}
