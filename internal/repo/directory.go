package repo

import (
	"context"
	"database/sql"

	"deptrack/internal/domain"
)

// UpsertDepartment inserts a department or renames an existing one.
func (r Repo) UpsertDepartment(ctx context.Context, tx *sql.Tx, d domain.Department) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO departments(id, name, created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, d.ID, d.Name, d.CreatedAt)
	return err
}

func (r Repo) FindDepartmentByID(ctx context.Context, id string) (domain.Department, error) {
	var d domain.Department
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, created_at FROM departments WHERE id=?`, id).Scan(&d.ID, &d.Name, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDepartments(ctx context.Context) ([]domain.Department, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, name, created_at FROM departments ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Department
	for rows.Next() {
		var d domain.Department
		if err := rows.Scan(&d.ID, &d.Name, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpsertUser writes a user. Role changes are administrative and only happen here.
func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id, name, role, department_id, team_id, created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, department_id=excluded.department_id, team_id=excluded.team_id`,
		u.ID, u.Name, string(u.Role), u.DepartmentID, nullableStringPtr(u.TeamID), u.CreatedAt)
	return err
}

// FindUserByID loads a user; the stored role is parsed into the canonical enum.
func (r Repo) FindUserByID(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var role string
	var teamID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, role, department_id, team_id, created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &role, &u.DepartmentID, &teamID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if u.Role, err = domain.ParseRole(role); err != nil {
		return u, err
	}
	u.TeamID = stringPtr(teamID)
	return u, nil
}

func (r Repo) ListUsers(ctx context.Context, departmentID string) ([]domain.User, error) {
	query := `SELECT id, name, role, department_id, team_id, created_at FROM users`
	var args []any
	if departmentID != "" {
		query += ` WHERE department_id=?`
		args = append(args, departmentID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var role string
		var teamID sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &role, &u.DepartmentID, &teamID, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Role = domain.Role(role)
		u.TeamID = stringPtr(teamID)
		res = append(res, u)
	}
	return res, rows.Err()
}

// SeedDirectory writes departments then users in a single transaction.
func (r Repo) SeedDirectory(ctx context.Context, departments []domain.Department, users []domain.User) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, d := range departments {
		if err := r.UpsertDepartment(ctx, tx, d); err != nil {
			return err
		}
	}
	for _, u := range users {
		if err := r.UpsertUser(ctx, tx, u); err != nil {
			return err
		}
	}
	return tx.Commit()
}
