package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository implements the orchestrator repositories using PostgreSQL.
// The schema is owned by the asset management platform and treated as read-mostly here;
// only auth_tokens and session_users are written.
type Repository struct {
	db DBTX
}

var (
	_ orchestrator.AssetRepository        = (*Repository)(nil)
	_ orchestrator.CustomerRepository     = (*Repository)(nil)
	_ orchestrator.AuthRepository         = (*Repository)(nil)
	_ orchestrator.CustomHeaderRepository = (*Repository)(nil)
)

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "token") {
				return fmt.Errorf("auth token already exists")
			}
			if strings.Contains(pgErr.ConstraintName, "session") {
				return fmt.Errorf("session user already exists")
			}
			return fmt.Errorf("duplicate entry")
		case "23503": // foreign_key_violation
			return fmt.Errorf("referenced record not found")
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

// Asset operations

func (r *Repository) GetAsset(ctx context.Context, id orchestrator.AssetID) (*orchestrator.Asset, error) {
	query := `
        SELECT family, COALESCE(media_type, ''), width, height, duration,
               COALESCE(roles, ''), max_unauthorised, NOT not_for_delivery,
               COALESCE(origin, ''), created
        FROM images WHERE customer = $1 AND space = $2 AND id = $3`

	asset := orchestrator.Asset{ID: id}
	var family, roles string
	err := r.db.QueryRow(ctx, query, id.Customer, id.Space, id.Asset).Scan(
		&family, &asset.MediaType, &asset.Width, &asset.Height, &asset.Duration,
		&roles, &asset.MaxUnauthorised, &asset.ForDelivery, &asset.Origin, &asset.Created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orchestrator.ErrAssetNotFound
		}
		return nil, r.handlePostgresError("get asset", err)
	}
	asset.Family = orchestrator.AssetFamily(family)
	asset.Roles = orchestrator.ParseRoles(roles)

	channels, err := r.getDeliveryChannels(ctx, id)
	if err != nil {
		return nil, err
	}
	asset.DeliveryChannels = channels
	return &asset, nil
}

func (r *Repository) getDeliveryChannels(ctx context.Context, id orchestrator.AssetID) ([]orchestrator.DeliveryChannel, error) {
	query := `
        SELECT channel, COALESCE(policy, '')
        FROM image_delivery_channels
        WHERE customer = $1 AND space = $2 AND image_id = $3
        ORDER BY channel`

	rows, err := r.db.Query(ctx, query, id.Customer, id.Space, id.Asset)
	if err != nil {
		return nil, r.handlePostgresError("get delivery channels", err)
	}
	defer rows.Close()

	var channels []orchestrator.DeliveryChannel
	for rows.Next() {
		var dc orchestrator.DeliveryChannel
		if err := rows.Scan(&dc.Channel, &dc.Policy); err != nil {
			return nil, r.handlePostgresError("scan delivery channel", err)
		}
		channels = append(channels, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("get delivery channels", err)
	}
	return channels, nil
}

// Customer operations

func (r *Repository) GetCustomer(ctx context.Context, id int) (*orchestrator.Customer, error) {
	return r.getCustomer(ctx, "SELECT id, name FROM customers WHERE id = $1", id)
}

func (r *Repository) GetCustomerByName(ctx context.Context, name string) (*orchestrator.Customer, error) {
	return r.getCustomer(ctx, "SELECT id, name FROM customers WHERE name = $1", name)
}

func (r *Repository) getCustomer(ctx context.Context, query string, arg interface{}) (*orchestrator.Customer, error) {
	var customer orchestrator.Customer
	err := r.db.QueryRow(ctx, query, arg).Scan(&customer.ID, &customer.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orchestrator.ErrCustomerNotFound
		}
		return nil, r.handlePostgresError("get customer", err)
	}
	return &customer, nil
}

// Auth token operations

const tokenColumns = `id, cookie_id, COALESCE(bearer_token, ''), customer, session_user_id,
               created, expires, last_checked, ttl`

func (r *Repository) GetTokenByCookieID(ctx context.Context, customer int, cookieID string) (*orchestrator.AuthToken, error) {
	query := "SELECT " + tokenColumns + " FROM auth_tokens WHERE customer = $1 AND cookie_id = $2"
	return r.getToken(ctx, query, customer, cookieID)
}

func (r *Repository) GetTokenByBearer(ctx context.Context, customer int, bearer string) (*orchestrator.AuthToken, error) {
	query := "SELECT " + tokenColumns + " FROM auth_tokens WHERE customer = $1 AND bearer_token = $2"
	return r.getToken(ctx, query, customer, bearer)
}

func (r *Repository) getToken(ctx context.Context, query string, args ...interface{}) (*orchestrator.AuthToken, error) {
	var token orchestrator.AuthToken
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&token.ID, &token.CookieID, &token.BearerToken, &token.Customer, &token.SessionUserID,
		&token.Created, &token.Expires, &token.LastChecked, &token.TTL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orchestrator.ErrTokenNotFound
		}
		return nil, r.handlePostgresError("get auth token", err)
	}
	return &token, nil
}

func (r *Repository) SaveToken(ctx context.Context, token *orchestrator.AuthToken) error {
	query := `
		UPDATE auth_tokens SET
			bearer_token = $2, expires = $3, last_checked = $4, ttl = $5
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, token.ID, token.BearerToken, token.Expires, token.LastChecked, token.TTL)
	if err != nil {
		return r.handlePostgresError("save auth token", err)
	}
	if tag.RowsAffected() == 0 {
		return orchestrator.ErrTokenNotFound
	}
	return nil
}

// CreateSession inserts the session user and its first token, inside a transaction when the
// underlying connection supports one.
func (r *Repository) CreateSession(ctx context.Context, user *orchestrator.SessionUser, token *orchestrator.AuthToken) error {
	if b, ok := r.db.(beginner); ok {
		return pgx.BeginFunc(ctx, b, func(tx pgx.Tx) error {
			return (&Repository{db: tx}).createSession(ctx, user, token)
		})
	}
	return r.createSession(ctx, user, token)
}

func (r *Repository) createSession(ctx context.Context, user *orchestrator.SessionUser, token *orchestrator.AuthToken) error {
	roles, err := json.Marshal(user.Roles)
	if err != nil {
		return fmt.Errorf("failed to encode session roles: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO session_users (id, created, roles) VALUES ($1, $2, $3)`,
		user.ID, user.Created, roles)
	if err != nil {
		return r.handlePostgresError("create session user", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO auth_tokens (
			id, cookie_id, bearer_token, customer, session_user_id,
			created, expires, last_checked, ttl
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		token.ID, token.CookieID, token.BearerToken, token.Customer, token.SessionUserID,
		token.Created, token.Expires, token.LastChecked, token.TTL)
	if err != nil {
		return r.handlePostgresError("create auth token", err)
	}
	return nil
}

func (r *Repository) GetSessionUser(ctx context.Context, id string) (*orchestrator.SessionUser, error) {
	var user orchestrator.SessionUser
	var roles []byte
	err := r.db.QueryRow(ctx, `SELECT id, created, roles FROM session_users WHERE id = $1`, id).
		Scan(&user.ID, &user.Created, &roles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orchestrator.ErrSessionUserNotFound
		}
		return nil, r.handlePostgresError("get session user", err)
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &user.Roles); err != nil {
			return nil, fmt.Errorf("failed to decode session roles for %s: %w", id, err)
		}
	}
	return &user, nil
}

// Auth service operations

const authServiceQuery = `
        SELECT s.id, s.customer, s.name, s.profile, COALESCE(s.label, ''),
               COALESCE(s.description, ''), COALESCE(s.confirm_label, ''),
               COALESCE(s.failure_header, ''), COALESCE(s.failure_description, ''),
               COALESCE(s.login_url, ''), s.ttl,
               COALESCE(array_agg(r.id) FILTER (WHERE r.id IS NOT NULL), '{}')
        FROM auth_services s
        LEFT JOIN roles r ON r.customer = s.customer AND r.auth_service = s.id`

func (r *Repository) GetAuthService(ctx context.Context, customer int, name string) (*orchestrator.AuthService, error) {
	query := authServiceQuery + `
        WHERE s.customer = $1 AND s.name = $2
        GROUP BY s.id`

	rows, err := r.db.Query(ctx, query, customer, name)
	if err != nil {
		return nil, r.handlePostgresError("get auth service", err)
	}
	services, err := r.scanAuthServices(rows)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, orchestrator.ErrAuthServiceNotFound
	}
	return services[0], nil
}

func (r *Repository) GetAuthServicesForRoles(ctx context.Context, customer int, roles []string) ([]*orchestrator.AuthService, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	query := authServiceQuery + `
        WHERE s.customer = $1
          AND s.id IN (SELECT auth_service FROM roles WHERE customer = $1 AND id = ANY($2))
        GROUP BY s.id
        ORDER BY s.name`

	rows, err := r.db.Query(ctx, query, customer, roles)
	if err != nil {
		return nil, r.handlePostgresError("get auth services for roles", err)
	}
	services, err := r.scanAuthServices(rows)
	if err != nil {
		return nil, err
	}
	return orderByRoles(services, roles), nil
}

func (r *Repository) scanAuthServices(rows pgx.Rows) ([]*orchestrator.AuthService, error) {
	defer rows.Close()

	var services []*orchestrator.AuthService
	for rows.Next() {
		var s orchestrator.AuthService
		err := rows.Scan(
			&s.ID, &s.Customer, &s.Name, &s.Profile, &s.Label,
			&s.Description, &s.ConfirmLabel, &s.FailureHeader, &s.FailureDescription,
			&s.LoginURL, &s.TTL, &s.Roles)
		if err != nil {
			return nil, r.handlePostgresError("scan auth service", err)
		}
		services = append(services, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list auth services", err)
	}
	return services, nil
}

// orderByRoles sorts services by the first requested role each one grants
func orderByRoles(services []*orchestrator.AuthService, roles []string) []*orchestrator.AuthService {
	rank := func(s *orchestrator.AuthService) int {
		for i, role := range roles {
			if slices.Contains(s.Roles, role) {
				return i
			}
		}
		return len(roles)
	}
	slices.SortStableFunc(services, func(a, b *orchestrator.AuthService) int {
		return rank(a) - rank(b)
	})
	return services
}

// Custom header operations

func (r *Repository) GetCustomHeaders(ctx context.Context, customer int) ([]*orchestrator.CustomHeader, error) {
	query := `
        SELECT id, customer, space, COALESCE(role, ''), key, value
        FROM custom_headers WHERE customer = $1
        ORDER BY key, id`

	rows, err := r.db.Query(ctx, query, customer)
	if err != nil {
		return nil, r.handlePostgresError("get custom headers", err)
	}
	defer rows.Close()

	var headers []*orchestrator.CustomHeader
	for rows.Next() {
		var h orchestrator.CustomHeader
		if err := rows.Scan(&h.ID, &h.Customer, &h.Space, &h.Role, &h.Key, &h.Value); err != nil {
			return nil, r.handlePostgresError("scan custom header", err)
		}
		headers = append(headers, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("get custom headers", err)
	}
	return headers, nil
}
