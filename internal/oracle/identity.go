package oracle

import (
	"context"
	"database/sql"

	"github.com/cloudlearn/corelms/internal/apperr"
)

// PostgresIdentityOracle is a reference IdentityOracle/AuthorOracle backed
// directly by database/sql, grounded on the query style of
// internal/repository/user_repo.go (ExecContext/QueryRowContext, %w error
// wrapping). User/group management themselves are an explicit Non-goal —
// this type only ever reads the `users`, `group_students`, and
// `group_topics` tables that an external account-management subsystem
// owns; it never writes them.
type PostgresIdentityOracle struct {
	db *sql.DB
}

func NewPostgresIdentityOracle(db *sql.DB) *PostgresIdentityOracle {
	return &PostgresIdentityOracle{db: db}
}

func (o *PostgresIdentityOracle) RoleOf(ctx context.Context, userID int64) (Role, error) {
	var role string
	err := o.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", apperr.New(apperr.CodeNotFound, "user not found")
	}
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, err, "failed to look up user role")
	}
	return Role(role), nil
}

// GroupTopicAccess reports whether any active group the user belongs to
// is granted access to the topic.
func (o *PostgresIdentityOracle) GroupTopicAccess(ctx context.Context, userID, topicID int64) (bool, error) {
	var exists bool
	err := o.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM group_students gs
			JOIN group_topics gt ON gt.group_id = gs.group_id
			WHERE gs.student_id = $1 AND gt.topic_id = $2 AND gs.is_active
		)`, userID, topicID).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, err, "failed to check group topic access")
	}
	return exists, nil
}

func (o *PostgresIdentityOracle) CanManageTopic(ctx context.Context, userID, topicID int64) (bool, error) {
	var exists bool
	err := o.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM topics t
			JOIN users u ON u.id = $1
			WHERE t.id = $2 AND (t.creator_id = $1 OR u.role = 'admin')
		)`, userID, topicID).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, err, "failed to check topic management rights")
	}
	return exists, nil
}

func (o *PostgresIdentityOracle) CanAccessTopicAsAuthor(ctx context.Context, userID, topicID int64) (bool, error) {
	return o.CanManageTopic(ctx, userID, topicID)
}
