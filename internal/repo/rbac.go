package repo

import (
	"context"
	"time"
)

// GlobalScope marks a role grant that applies across all projects.
const GlobalScope = "*"

// EnsureActor inserts the actor row if missing.
func (r Repo) EnsureActor(ctx context.Context, actorID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id, created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`,
		actorID, now.UTC().Format(time.RFC3339))
	return err
}

// GrantRole assigns a role to an actor for a project, or globally when
// projectID is GlobalScope.
func (r Repo) GrantRole(ctx context.Context, projectID, actorID, roleID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actor_roles(project_id, actor_id, role_id) VALUES (?,?,?)
		ON CONFLICT(project_id, actor_id, role_id) DO NOTHING`, projectID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, projectID, actorID, roleID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM actor_roles WHERE project_id=? AND actor_id=? AND role_id=?`,
		projectID, actorID, roleID)
	return err
}

// ActorRoles returns the roles an actor holds on a project, global grants
// included.
func (r Repo) ActorRoles(ctx context.Context, projectID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles
		WHERE actor_id=? AND (project_id=? OR project_id=?)`, actorID, projectID, GlobalScope)
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

// ActorsWithRole returns actor ids holding a role on a project, global
// grants included, sorted for stable notification fan-out.
func (r Repo) ActorsWithRole(ctx context.Context, projectID, roleID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT actor_id FROM actor_roles
		WHERE role_id=? AND (project_id=? OR project_id=?) ORDER BY actor_id`, roleID, projectID, GlobalScope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		actors = append(actors, id)
	}
	return actors, rows.Err()
}
