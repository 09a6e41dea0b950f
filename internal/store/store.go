// Package store provides the agent's embedded, file-backed local
// persistence: device identity, target-state snapshot history, and the
// last-observed current-state cache named in spec §6. It is the single
// source of truth reconciliation survives restarts and offline periods
// against.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/zemfyre/edge-agent/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the embedded SQLite database holding device identity and
// state snapshots. A corrupted or unopenable database is fatal to the
// agent (exit code 2 per spec §6); callers should treat Open's error as
// unrecoverable.
type Store struct {
	db  *sqlx.DB
	key *[32]byte
}

// Open opens (creating if absent) the SQLite file at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	if err := migrate_(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}

	return &Store{db: db, key: secretKey()}, nil
}

func migrate_(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck satisfies infrastructure/service.StoreHealthChecker.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// deviceRow mirrors the device table's single row.
type deviceRow struct {
	UUID          string `db:"uuid"`
	APIKey        string `db:"api_key"`
	MQTTUsername  string `db:"mqtt_username"`
	MQTTPassword  string `db:"mqtt_password"`
	MQTTBrokerURL string `db:"mqtt_broker_url"`
	UpdatedAt     int64  `db:"updated_at"`
}

// SaveDevice upserts the single device identity row. api_key and
// mqtt_password are encrypted at rest; uuid, username, and broker URL are
// not secret and stay in plain text so they remain queryable/loggable.
func (s *Store) SaveDevice(d model.Device) error {
	apiKey, err := sealSecret(s.key, d.APIKey)
	if err != nil {
		return fmt.Errorf("seal api key: %w", err)
	}
	mqttPassword, err := sealSecret(s.key, d.MQTTPassword)
	if err != nil {
		return fmt.Errorf("seal mqtt password: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO device (id, uuid, api_key, mqtt_username, mqtt_password, mqtt_broker_url, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			uuid = excluded.uuid,
			api_key = excluded.api_key,
			mqtt_username = excluded.mqtt_username,
			mqtt_password = excluded.mqtt_password,
			mqtt_broker_url = excluded.mqtt_broker_url,
			updated_at = excluded.updated_at
	`, d.UUID, apiKey, d.MQTTUsername, mqttPassword, d.MQTTBrokerURL, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// LoadDevice returns the persisted device identity, if any, decrypting
// api_key and mqtt_password.
func (s *Store) LoadDevice() (model.Device, bool, error) {
	var row deviceRow
	err := s.db.Get(&row, `SELECT uuid, api_key, mqtt_username, mqtt_password, mqtt_broker_url, updated_at FROM device WHERE id = 1`)
	if err == sql.ErrNoRows {
		return model.Device{}, false, nil
	}
	if err != nil {
		return model.Device{}, false, fmt.Errorf("load device: %w", err)
	}
	return model.Device{
		UUID:          row.UUID,
		APIKey:        openSecret(s.key, row.APIKey),
		MQTTUsername:  row.MQTTUsername,
		MQTTPassword:  openSecret(s.key, row.MQTTPassword),
		MQTTBrokerURL: row.MQTTBrokerURL,
	}, true, nil
}

// DeleteDevice removes the persisted identity. Used by factory reset.
func (s *Store) DeleteDevice() error {
	_, err := s.db.Exec(`DELETE FROM device WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// Provisioned satisfies infrastructure/service.CredentialChecker by
// reporting whether a device identity is currently persisted.
func (s *Store) Provisioned() bool {
	dev, ok, err := s.LoadDevice()
	return err == nil && ok && dev.Provisioned()
}

// Secret satisfies infrastructure/config.SecretStore, exposing device
// credentials under the same environment-variable names the agent would
// otherwise read from the process environment.
func (s *Store) Secret(name string) (string, bool) {
	dev, ok, err := s.LoadDevice()
	if err != nil || !ok {
		return "", false
	}
	switch name {
	case "PROVISIONING_API_KEY", "CLOUD_API_KEY":
		return dev.APIKey, dev.APIKey != ""
	case "MQTT_USERNAME":
		return dev.MQTTUsername, dev.MQTTUsername != ""
	case "MQTT_PASSWORD":
		return dev.MQTTPassword, dev.MQTTPassword != ""
	case "MQTT_BROKER":
		return dev.MQTTBrokerURL, dev.MQTTBrokerURL != ""
	default:
		return "", false
	}
}

// SaveTargetState persists a target-state snapshot, keyed by version, and
// prunes all older snapshots: the agent keeps at most one target state at
// a time, but retaining the immediately preceding row under its own
// version lets a failed apply be diagnosed against what changed.
func (s *Store) SaveTargetState(ts model.TargetState) error {
	payload, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("encode target state: %w", err)
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("save target state: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO target_state_snapshots (version, etag, payload, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET etag = excluded.etag, payload = excluded.payload, received_at = excluded.received_at
	`, ts.Version, ts.ETag, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save target state: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM target_state_snapshots WHERE version < ? - 1`, ts.Version); err != nil {
		return fmt.Errorf("prune target state history: %w", err)
	}

	return tx.Commit()
}

// LoadLatestTargetState returns the highest-version target-state snapshot,
// if any is persisted.
func (s *Store) LoadLatestTargetState() (model.TargetState, bool, error) {
	var payload []byte
	err := s.db.Get(&payload, `SELECT payload FROM target_state_snapshots ORDER BY version DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		return model.TargetState{}, false, nil
	}
	if err != nil {
		return model.TargetState{}, false, fmt.Errorf("load target state: %w", err)
	}

	var ts model.TargetState
	if err := json.Unmarshal(payload, &ts); err != nil {
		return model.TargetState{}, false, fmt.Errorf("decode target state: %w", err)
	}
	return ts, true, nil
}

// SaveCurrentState persists the last-observed current-state snapshot,
// overwriting whatever was there before: only the most recent observation
// is meaningful.
func (s *Store) SaveCurrentState(cs model.CurrentState) error {
	payload, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encode current state: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO current_state_cache (id, payload, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save current state: %w", err)
	}
	return nil
}

// LoadCurrentState returns the last-observed current-state snapshot, if
// any has been recorded. The row is persisted, so it survives restarts
// until Reset clears it.
func (s *Store) LoadCurrentState() (model.CurrentState, bool, error) {
	var payload []byte
	err := s.db.Get(&payload, `SELECT payload FROM current_state_cache WHERE id = 1`)
	if err == sql.ErrNoRows {
		return model.CurrentState{}, false, nil
	}
	if err != nil {
		return model.CurrentState{}, false, fmt.Errorf("load current state: %w", err)
	}

	var cs model.CurrentState
	if err := json.Unmarshal(payload, &cs); err != nil {
		return model.CurrentState{}, false, fmt.Errorf("decode current state: %w", err)
	}
	return cs, true, nil
}

// Reset drops the device identity and all state history. Used by the
// agent's -reset flag (factory reset). Only rows are deleted; the tables
// and the migrated schema stay in place.
func (s *Store) Reset() error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM device`,
		`DELETE FROM target_state_snapshots`,
		`DELETE FROM current_state_cache`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("reset local store: %w", err)
		}
	}
	return tx.Commit()
}
