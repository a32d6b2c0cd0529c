package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Every connection to :memory: opens a distinct database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
		return &SQLiteStore{cfg: cfg}, nil
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !isMemory(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

func notFound(what, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", what, id), nil).
		WithCode(engine.ErrCodeNotFound)
}

func alreadyExists(what, id string, err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return engine.NewPermanentError(fmt.Sprintf("%s already exists: %s", what, id), err).
			WithCode(engine.ErrCodeAlreadyExists)
	}
	return fmt.Errorf("failed to create %s: %w", what, err)
}

// CreateCluster registers a cluster.
func (s *SQLiteStore) CreateCluster(ctx context.Context, cluster *engine.Cluster) error {
	if cluster.ID == "" {
		cluster.ID = uuid.New().String()
	}
	if cluster.CreatedAt.IsZero() {
		cluster.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO clusters (id, name, zone, endpoint, kubeconfig, ingress_domain, storage_provisioner, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cluster.ID,
		cluster.Name,
		cluster.Zone,
		cluster.Endpoint,
		cluster.KubeConfig,
		cluster.IngressDomain,
		cluster.StorageProvisioner,
		cluster.CreatedAt,
	)
	if err != nil {
		return alreadyExists("cluster", cluster.Name, err)
	}
	return nil
}

const clusterColumns = `
	c.id, c.name, c.zone, c.endpoint, c.kubeconfig, c.ingress_domain, c.storage_provisioner, c.created_at,
	(SELECT COUNT(*) FROM resources r JOIN projects p ON r.project_id = p.id
	 WHERE p.cluster_id = c.id AND r.status != 'deleted')
`

type scanner interface {
	Scan(dest ...any) error
}

func scanCluster(row scanner) (*engine.Cluster, error) {
	c := &engine.Cluster{}
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Zone,
		&c.Endpoint,
		&c.KubeConfig,
		&c.IngressDomain,
		&c.StorageProvisioner,
		&c.CreatedAt,
		&c.ResourceCount,
	)
	return c, err
}

// GetCluster retrieves a cluster by ID
func (s *SQLiteStore) GetCluster(ctx context.Context, id string) (*engine.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters c WHERE c.id = ?`

	c, err := scanCluster(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("cluster", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	return c, nil
}

// ListClusters lists every registered cluster ordered by name.
func (s *SQLiteStore) ListClusters(ctx context.Context) ([]*engine.Cluster, error) {
	return s.listClusters(ctx, `SELECT `+clusterColumns+` FROM clusters c ORDER BY c.name`)
}

// ListClustersByZone lists the clusters serving zone, with their resource counts.
func (s *SQLiteStore) ListClustersByZone(ctx context.Context, zone string) ([]*engine.Cluster, error) {
	return s.listClusters(ctx, `SELECT `+clusterColumns+` FROM clusters c WHERE c.zone = ? ORDER BY c.name`, zone)
}

func (s *SQLiteStore) listClusters(ctx context.Context, query string, args ...any) ([]*engine.Cluster, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	clusters := []*engine.Cluster{}
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating clusters: %w", err)
	}

	return clusters, nil
}

// CreateProject creates a project without a cluster.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *engine.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO projects (id, name, namespace, zone, cluster_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		project.ID,
		project.Name,
		project.Namespace,
		project.Zone,
		nullString(project.ClusterID),
		project.CreatedAt,
	)
	if err != nil {
		return alreadyExists("project", project.ID, err)
	}
	return nil
}

// GetProject retrieves a project by ID
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*engine.Project, error) {
	query := `
		SELECT id, name, namespace, zone, COALESCE(cluster_id, ''), created_at
		FROM projects
		WHERE id = ?
	`

	p := &engine.Project{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Namespace,
		&p.Zone,
		&p.ClusterID,
		&p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// AssignCluster pins the project to clusterID unless it already has a
// cluster, and returns the cluster the project ends up with.
func (s *SQLiteStore) AssignCluster(ctx context.Context, projectID, clusterID string) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET cluster_id = ?
		WHERE id = ? AND (cluster_id IS NULL OR cluster_id = '')
	`, clusterID, projectID)
	if err != nil {
		return "", fmt.Errorf("failed to assign cluster: %w", err)
	}

	var winner string
	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(cluster_id, '') FROM projects WHERE id = ?`, projectID).Scan(&winner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("project", projectID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read assigned cluster: %w", err)
	}
	return winner, nil
}

// SaveResource inserts or updates a resource. The resource must carry its project.
func (s *SQLiteStore) SaveResource(ctx context.Context, res *engine.Resource) error {
	if res.Project == nil || res.Project.ID == "" {
		return engine.NewPermanentError("resource without project", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := res.Kind.Validate(); err != nil {
		return engine.NewPermanentError("invalid resource", err).WithCode(engine.ErrCodeValidation)
	}
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now
	if res.Status == "" {
		res.Status = engine.ResourceStatusUnknown
	}

	spec, err := json.Marshal(res.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal resource spec: %w", err)
	}
	var labels *string
	if len(res.Labels) > 0 {
		b, err := json.Marshal(res.Labels)
		if err != nil {
			return fmt.Errorf("failed to marshal resource labels: %w", err)
		}
		str := string(b)
		labels = &str
	}

	query := `
		INSERT INTO resources (
			id, project_id, name, kind, deployed_namespace, public_hostname, keep_volumes,
			spec, labels, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			deployed_namespace = excluded.deployed_namespace,
			public_hostname = excluded.public_hostname,
			keep_volumes = excluded.keep_volumes,
			spec = excluded.spec,
			labels = excluded.labels,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		res.ID,
		res.Project.ID,
		res.Name,
		res.Kind,
		res.DeployedNamespace,
		res.PublicHostname,
		res.KeepVolumes,
		string(spec),
		labels,
		res.Status,
		res.CreatedAt,
		res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save resource: %w", err)
	}
	return nil
}

const resourceColumns = `
	id, project_id, name, kind, deployed_namespace, public_hostname, keep_volumes,
	spec, labels, status, created_at, updated_at
`

func scanResource(row scanner) (*engine.Resource, string, error) {
	res := &engine.Resource{}
	var projectID, spec string
	var labels sql.NullString
	err := row.Scan(
		&res.ID,
		&projectID,
		&res.Name,
		&res.Kind,
		&res.DeployedNamespace,
		&res.PublicHostname,
		&res.KeepVolumes,
		&spec,
		&labels,
		&res.Status,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if err != nil {
		return nil, "", err
	}
	if err := json.Unmarshal([]byte(spec), &res.Spec); err != nil {
		return nil, "", fmt.Errorf("failed to decode spec of resource %s: %w", res.ID, err)
	}
	if labels.Valid {
		if err := json.Unmarshal([]byte(labels.String), &res.Labels); err != nil {
			return nil, "", fmt.Errorf("failed to decode labels of resource %s: %w", res.ID, err)
		}
	}
	return res, projectID, nil
}

// GetResource retrieves a resource together with its project.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*engine.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id = ?`

	res, projectID, err := scanResource(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("resource", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	res.Project, err = s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListResources lists the resources of a project, oldest first.
func (s *SQLiteStore) ListResources(ctx context.Context, projectID string) ([]*engine.Resource, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + resourceColumns + ` FROM resources WHERE project_id = ? ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*engine.Resource{}
	for rows.Next() {
		res, _, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		res.Project = project
		resources = append(resources, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return resources, nil
}

// UpdateResourceStatus sets the status of a resource, and its public
// hostname when hostname is not empty.
func (s *SQLiteStore) UpdateResourceStatus(ctx context.Context, id string, status engine.ResourceStatus, hostname string) error {
	query := `
		UPDATE resources
		SET status = ?,
		    public_hostname = CASE WHEN ? = '' THEN public_hostname ELSE ? END,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, hostname, hostname, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update resource status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFound("resource", id)
	}

	return nil
}

// CountResources counts resources by kind and status across all projects.
func (s *SQLiteStore) CountResources(ctx context.Context) ([]ResourceCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, status, COUNT(*) FROM resources GROUP BY kind, status ORDER BY kind, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count resources: %w", err)
	}
	defer rows.Close()

	counts := []ResourceCount{}
	for rows.Next() {
		var c ResourceCount
		if err := rows.Scan(&c.Kind, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan resource count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource counts: %w", err)
	}
	return counts, nil
}

// SetPlacementHints stores the placement hints of a resource.
func (s *SQLiteStore) SetPlacementHints(ctx context.Context, resourceID string, hints engine.PlacementHints) error {
	b, err := json.Marshal(hints)
	if err != nil {
		return fmt.Errorf("failed to marshal placement hints: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `UPDATE resources SET placement = ? WHERE id = ?`, string(b), resourceID)
	if err != nil {
		return fmt.Errorf("failed to set placement hints: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFound("resource", resourceID)
	}

	return nil
}

// PlacementHints returns the placement hints of a resource. Unknown
// resources and resources without hints have none.
func (s *SQLiteStore) PlacementHints(ctx context.Context, resourceID string) (engine.PlacementHints, error) {
	var hints engine.PlacementHints
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT placement FROM resources WHERE id = ?`, resourceID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !raw.Valid) {
		return hints, nil
	}
	if err != nil {
		return hints, fmt.Errorf("failed to get placement hints: %w", err)
	}
	if err := json.Unmarshal([]byte(raw.String), &hints); err != nil {
		return hints, fmt.Errorf("failed to decode placement hints: %w", err)
	}
	return hints, nil
}

// StartFlow records the start of a create or delete flow.
func (s *SQLiteStore) StartFlow(ctx context.Context, run *engine.FlowRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO flow_runs (id, resource_id, kind, operation, status, cluster_id, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.ResourceID,
		run.Kind,
		run.Operation,
		run.Status,
		run.ClusterID,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to start flow: %w", err)
	}
	return nil
}

// RecordStep inserts or updates the record of a step.
func (s *SQLiteStore) RecordStep(ctx context.Context, rec *engine.StepRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO flow_steps (flow_id, step, operation, status, attempts, value, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_id, step, operation) DO UPDATE SET
			status = excluded.status,
			attempts = MAX(flow_steps.attempts, excluded.attempts),
			value = excluded.value,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.FlowID,
		rec.Step,
		rec.Operation,
		rec.Status,
		rec.Attempts,
		rec.Value,
		rec.Error,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	return nil
}

// FinishFlow records the outcome of a flow.
func (s *SQLiteStore) FinishFlow(ctx context.Context, run *engine.FlowRun) error {
	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}

	query := `
		UPDATE flow_runs
		SET status = ?, cluster_id = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, run.Status, run.ClusterID, run.Error, run.CompletedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish flow: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFound("flow run", run.ID)
	}

	return nil
}

const flowColumns = `id, resource_id, kind, operation, status, cluster_id, error, started_at, completed_at`

func scanFlowRun(row scanner) (*engine.FlowRun, error) {
	run := &engine.FlowRun{}
	var completed sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.ResourceID,
		&run.Kind,
		&run.Operation,
		&run.Status,
		&run.ClusterID,
		&run.Error,
		&run.StartedAt,
		&completed,
	)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	return run, nil
}

// GetFlowRun retrieves a flow run by ID
func (s *SQLiteStore) GetFlowRun(ctx context.Context, id string) (*engine.FlowRun, error) {
	run, err := scanFlowRun(s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flow_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("flow run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow run: %w", err)
	}
	return run, nil
}

// ListFlowRuns lists the flows of a resource, newest first.
func (s *SQLiteStore) ListFlowRuns(ctx context.Context, resourceID string, limit int) ([]*engine.FlowRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + flowColumns + ` FROM flow_runs WHERE resource_id = ? ORDER BY started_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.FlowRun{}
	for rows.Next() {
		run, err := scanFlowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow runs: %w", err)
	}

	return runs, nil
}

// ListFlowSteps lists the step records of a flow in the order they were last updated.
func (s *SQLiteStore) ListFlowSteps(ctx context.Context, flowID string) ([]*engine.StepRecord, error) {
	query := `
		SELECT flow_id, step, operation, status, attempts, value, error, updated_at
		FROM flow_steps
		WHERE flow_id = ?
		ORDER BY updated_at, step
	`

	rows, err := s.db.QueryContext(ctx, query, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow steps: %w", err)
	}
	defer rows.Close()

	steps := []*engine.StepRecord{}
	for rows.Next() {
		rec := &engine.StepRecord{}
		err := rows.Scan(
			&rec.FlowID,
			&rec.Step,
			&rec.Operation,
			&rec.Status,
			&rec.Attempts,
			&rec.Value,
			&rec.Error,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow step: %w", err)
		}
		steps = append(steps, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow steps: %w", err)
	}

	return steps, nil
}

// Publish appends a flow event to the event log.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	level := event.Level
	if level == "" {
		level = event.Type.Severity()
	}

	var data *string
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		str := string(b)
		data = &str
	}

	query := `
		INSERT INTO events (id, type, flow_id, resource_id, step, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.FlowID,
		event.ResourceID,
		event.Step,
		level,
		event.Message,
		data,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents retrieves events with optional filters and pagination, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	query := `
		SELECT id, type, flow_id, resource_id, step, level, message, data, timestamp
		FROM events
		WHERE (? = '' OR flow_id = ?)
		  AND (? = '' OR resource_id = ?)
		  AND (? = '' OR level = ?)
		ORDER BY timestamp, rowid
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.FlowID, filter.FlowID,
		filter.ResourceID, filter.ResourceID,
		filter.Level, filter.Level,
		filter.Limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var data sql.NullString
		err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.FlowID,
			&event.ResourceID,
			&event.Step,
			&event.Level,
			&event.Message,
			&data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*SQLiteStore)(nil)
