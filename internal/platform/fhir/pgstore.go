package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/platform/db"
)

// PGStore is the Postgres-backed Store. Blob mutation, history append,
// and index rewrite commit in one transaction; when the context already
// carries a transaction (bundle processing), the caller owns the commit.
type PGStore struct {
	pool        *pgxpool.Pool
	transformer *Transformer
	indexer     *Indexer
	notifier    Notifier
	log         zerolog.Logger
}

func NewPGStore(pool *pgxpool.Pool, notifier Notifier, log zerolog.Logger) *PGStore {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &PGStore{
		pool:        pool,
		transformer: NewTransformer(),
		indexer:     NewIndexer(log),
		notifier:    notifier,
		log:         log,
	}
}

var fhirIDPattern = regexp.MustCompile(`^[A-Za-z0-9.-]{1,64}$`)

// PGTxRunner returns the production TxRunner: one pgx transaction wraps
// fn, carried in the context so every store call inside joins it.
func PGTxRunner(pool *pgxpool.Pool) TxRunner {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		var tx pgx.Tx
		var err error
		if c := db.ConnFromContext(ctx); c != nil {
			tx, err = c.Begin(ctx)
		} else {
			tx, err = pool.Begin(ctx)
		}
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(db.ContextWithTx(ctx, tx)); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}
}

// conn resolves the querier for read paths: active tx, then request
// connection, then the pool.
func (s *PGStore) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// inTx runs fn inside a transaction. A transaction already in context is
// reused and left uncommitted for its owner; otherwise one is opened here
// and committed on success. The returned bool reports whether this call
// owned the commit, which gates post-commit notification.
func (s *PGStore) inTx(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) (bool, error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		return false, fn(ctx, tx)
	}

	var tx pgx.Tx
	var err error
	if c := db.ConnFromContext(ctx); c != nil {
		tx, err = c.Begin(ctx)
	} else {
		tx, err = s.pool.Begin(ctx)
	}
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *PGStore) Create(ctx context.Context, resourceType string, res map[string]interface{}, ifNoneExist string) (CreateResult, error) {
	res = s.transformer.TransformResource(res, "")
	if err := validateShape(resourceType, res); err != nil {
		return CreateResult{}, err
	}

	if ifNoneExist != "" {
		existing, err := s.searchByCriteria(ctx, resourceType, ifNoneExist)
		if err != nil {
			return CreateResult{}, err
		}
		switch len(existing) {
		case 0:
			// No match: proceed with the create.
		case 1:
			meta := mapValue(existing[0], "meta")
			version := 1
			if meta != nil {
				if v, err := parseVersion(stringValue(meta, "versionId")); err == nil {
					version = v
				}
			}
			updated := time.Now().UTC()
			if meta != nil {
				if t, _, err := ParseFHIRDate(stringValue(meta, "lastUpdated")); err == nil {
					updated = t
				}
			}
			return CreateResult{
				ID:          stringValue(existing[0], "id"),
				VersionID:   version,
				LastUpdated: updated,
				Existing:    true,
			}, nil
		default:
			return CreateResult{}, &PreconditionError{
				Diagnostics: fmt.Sprintf("If-None-Exist criteria %q matched %d resources", ifNoneExist, len(existing)),
			}
		}
	}

	id := stringValue(res, "id")
	if id == "" {
		id = uuid.New().String()
	}
	if !fhirIDPattern.MatchString(id) {
		return CreateResult{}, &ValidationError{
			Diagnostics: fmt.Sprintf("invalid resource id %q", id),
			Expression:  []string{resourceType + ".id"},
		}
	}

	now := time.Now().UTC()
	stampMeta(res, resourceType, id, 1, now)

	result := CreateResult{ID: id, VersionID: 1, LastUpdated: now}
	owned, err := s.inTx(ctx, func(ctx context.Context, q db.Querier) error {
		blob, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encode resource: %w", err)
		}

		var key int64
		err = q.QueryRow(ctx, `
			INSERT INTO fhir.resources (resource_type, fhir_id, version_id, last_updated, resource)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			resourceType, id, 1, now, blob,
		).Scan(&key)
		if err != nil {
			if isUniqueViolation(err) {
				return &PreconditionError{Diagnostics: fmt.Sprintf("%s/%s already exists", resourceType, id)}
			}
			return fmt.Errorf("insert resource: %w", err)
		}

		if err := s.appendHistory(ctx, q, key, 1, "create", blob); err != nil {
			return err
		}
		if err := s.writeIndex(ctx, q, key, resourceType, res); err != nil {
			return err
		}

		if resourceType == "Observation" && res["basedOn"] == nil {
			// Best-effort: a failure here never fails the create. The
			// savepoint keeps a failed link statement from aborting the
			// surrounding transaction.
			if _, err := q.Exec(ctx, `SAVEPOINT observation_autolink`); err != nil {
				return fmt.Errorf("auto-link savepoint: %w", err)
			}
			if err := s.autoLinkObservation(ctx, q, key, res); err != nil {
				s.log.Error().Err(err).Str("id", id).Msg("observation auto-link failed")
				delete(res, "basedOn")
				if _, err := q.Exec(ctx, `ROLLBACK TO SAVEPOINT observation_autolink`); err != nil {
					return fmt.Errorf("auto-link rollback: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	if owned {
		s.notify(ctx, "created", resourceType, id, res)
	}
	return result, nil
}

func (s *PGStore) Read(ctx context.Context, resourceType, id string, versionID int) (map[string]interface{}, error) {
	var blob []byte
	var err error
	if versionID > 0 {
		err = s.conn(ctx).QueryRow(ctx, `
			SELECT rh.resource
			FROM fhir.resource_history rh
			JOIN fhir.resources r ON rh.resource_id = r.id
			WHERE r.resource_type = $1 AND r.fhir_id = $2 AND rh.version_id = $3`,
			resourceType, id, versionID,
		).Scan(&blob)
	} else {
		err = s.conn(ctx).QueryRow(ctx, `
			SELECT resource
			FROM fhir.resources
			WHERE resource_type = $1 AND fhir_id = $2 AND deleted = false`,
			resourceType, id,
		).Scan(&blob)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}

	var res map[string]interface{}
	if err := json.Unmarshal(blob, &res); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", resourceType, id, err)
	}
	return res, nil
}

var etagPattern = regexp.MustCompile(`^(?:W/)?"?([^"]+)"?$`)

func (s *PGStore) Update(ctx context.Context, resourceType, id string, res map[string]interface{}, ifMatch string) (UpdateResult, error) {
	res = s.transformer.TransformResource(res, "")
	if err := validateShape(resourceType, res); err != nil {
		return UpdateResult{}, err
	}

	var result UpdateResult
	owned, err := s.inTx(ctx, func(ctx context.Context, q db.Querier) error {
		// Row lock serializes concurrent updates so version_id increments
		// are gap-free and If-Match sees the committed version.
		var key int64
		var currentVersion int
		err := q.QueryRow(ctx, `
			SELECT id, version_id
			FROM fhir.resources
			WHERE resource_type = $1 AND fhir_id = $2 AND deleted = false
			FOR UPDATE`,
			resourceType, id,
		).Scan(&key, &currentVersion)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock %s/%s: %w", resourceType, id, err)
		}

		if ifMatch != "" {
			m := etagPattern.FindStringSubmatch(ifMatch)
			if m == nil {
				return &ValidationError{Diagnostics: fmt.Sprintf("invalid If-Match header %q", ifMatch)}
			}
			if m[1] != fmt.Sprintf("%d", currentVersion) {
				return &PreconditionError{
					Diagnostics: fmt.Sprintf("version mismatch: current version is %d, If-Match specified %s", currentVersion, m[1]),
				}
			}
		}

		newVersion := currentVersion + 1
		now := time.Now().UTC()
		stampMeta(res, resourceType, id, newVersion, now)

		blob, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encode resource: %w", err)
		}
		if _, err := q.Exec(ctx, `
			UPDATE fhir.resources
			SET version_id = $2, last_updated = $3, resource = $4
			WHERE id = $1`,
			key, newVersion, now, blob,
		); err != nil {
			return fmt.Errorf("update resource: %w", err)
		}

		if err := s.appendHistory(ctx, q, key, newVersion, "update", blob); err != nil {
			return err
		}
		if err := s.deleteIndex(ctx, q, key); err != nil {
			return err
		}
		if err := s.writeIndex(ctx, q, key, resourceType, res); err != nil {
			return err
		}

		result = UpdateResult{VersionID: newVersion, LastUpdated: now}
		return nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	if owned {
		s.notify(ctx, "updated", resourceType, id, res)
	}
	return result, nil
}

func (s *PGStore) Delete(ctx context.Context, resourceType, id string) (bool, error) {
	deleted := false
	owned, err := s.inTx(ctx, func(ctx context.Context, q db.Querier) error {
		var key int64
		var version int
		var blob []byte
		err := q.QueryRow(ctx, `
			UPDATE fhir.resources
			SET deleted = true, last_updated = $3, version_id = version_id + 1
			WHERE resource_type = $1 AND fhir_id = $2 AND deleted = false
			RETURNING id, version_id, resource`,
			resourceType, id, time.Now().UTC(),
		).Scan(&key, &version, &blob)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
		}

		// The tombstone keeps the pre-delete blob; the history entry
		// records it under the new version.
		if err := s.appendHistory(ctx, q, key, version, "delete", blob); err != nil {
			return err
		}
		if err := s.deleteIndex(ctx, q, key); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted && owned {
		s.notify(ctx, "deleted", resourceType, id, nil)
	}
	return deleted, nil
}

func (s *PGStore) Search(ctx context.Context, resourceType string, preds []Predicate, rp ResultParams) (SearchResult, error) {
	rp.Count = resolveCount(rp.Count)
	query := BuildSearchQuery(resourceType, preds, rp)
	q := s.conn(ctx)

	var total int
	if err := q.QueryRow(ctx, query.CountSQL, query.CountArgs...).Scan(&total); err != nil {
		return SearchResult{}, fmt.Errorf("count search: %w", err)
	}

	rows, err := q.Query(ctx, query.SQL, query.Args...)
	if err != nil {
		return SearchResult{}, fmt.Errorf("execute search: %w", err)
	}
	defer rows.Close()

	result := SearchResult{Total: total}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return SearchResult{}, fmt.Errorf("scan search row: %w", err)
		}
		if len(values) < 2 {
			continue
		}
		res, err := decodeResourceValue(values[1])
		if err != nil {
			return SearchResult{}, err
		}
		result.Resources = append(result.Resources, res)
	}
	if err := rows.Err(); err != nil {
		return SearchResult{}, fmt.Errorf("iterate search rows: %w", err)
	}
	return result, nil
}

func (s *PGStore) History(ctx context.Context, hq HistoryQuery) ([]HistoryEntry, error) {
	sql := `
		SELECT rh.resource, rh.version_id, rh.operation, rh.transaction_time, r.resource_type, r.fhir_id
		FROM fhir.resource_history rh
		JOIN fhir.resources r ON rh.resource_id = r.id
		WHERE 1=1`
	var args []interface{}
	bind := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if hq.ResourceType != "" {
		sql += " AND r.resource_type = " + bind(hq.ResourceType)
	}
	if hq.ID != "" {
		sql += " AND r.fhir_id = " + bind(hq.ID)
	}
	if hq.Since != nil {
		sql += " AND rh.transaction_time > " + bind(*hq.Since)
	}
	if hq.At != nil {
		sql += " AND rh.transaction_time <= " + bind(*hq.At)
	}
	sql += " ORDER BY rh.transaction_time DESC, rh.version_id DESC"
	sql += " LIMIT " + bind(resolveCount(hq.Count)) + " OFFSET " + bind(hq.Offset)

	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var blob []byte
		var e HistoryEntry
		if err := rows.Scan(&blob, &e.VersionID, &e.Operation, &e.Time, &e.ResourceType, &e.ID); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if err := json.Unmarshal(blob, &e.Resource); err != nil {
			return nil, fmt.Errorf("decode history blob: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// searchByCriteria resolves a conditional-create criteria string.
func (s *PGStore) searchByCriteria(ctx context.Context, resourceType, criteria string) ([]map[string]interface{}, error) {
	values, err := url.ParseQuery(criteria)
	if err != nil {
		return nil, &ValidationError{Diagnostics: fmt.Sprintf("invalid If-None-Exist criteria %q", criteria)}
	}
	preds, _ := ParseQuery(resourceType, values, s.log)
	result, err := s.Search(ctx, resourceType, preds, ResultParams{Count: 2})
	if err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (s *PGStore) appendHistory(ctx context.Context, q db.Querier, key int64, version int, operation string, blob []byte) error {
	if _, err := q.Exec(ctx, `
		INSERT INTO fhir.resource_history (resource_id, version_id, operation, resource)
		VALUES ($1, $2, $3, $4)`,
		key, version, operation, blob,
	); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// writeIndex extracts and inserts the search-param and reference rows for
// the current blob. Callers delete the previous row set first on update.
func (s *PGStore) writeIndex(ctx context.Context, q db.Querier, key int64, resourceType string, res map[string]interface{}) error {
	for _, row := range s.indexer.Extract(resourceType, res) {
		if _, err := q.Exec(ctx, `
			INSERT INTO fhir.search_params (
				resource_id, resource_type, param_name, param_type,
				value_string, value_number, value_date,
				value_token_system, value_token_code, value_reference
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			key, resourceType, row.ParamName, string(row.ParamType),
			row.ValueString, row.ValueNumber, row.ValueDate,
			row.TokenSystem, row.TokenCode, row.ValueReference,
		); err != nil {
			return fmt.Errorf("insert search param %s: %w", row.ParamName, err)
		}
	}

	for _, ref := range ExtractReferences(resourceType, res) {
		if _, err := q.Exec(ctx, `
			INSERT INTO fhir."references" (
				source_id, source_type, target_type, target_id, reference_path, reference_value
			) VALUES ($1, $2, $3, $4, $5, $6)`,
			key, ref.SourceType, ref.TargetType, ref.TargetID, ref.ReferencePath, ref.ReferenceValue,
		); err != nil {
			return fmt.Errorf("insert reference row: %w", err)
		}
	}
	return nil
}

func (s *PGStore) deleteIndex(ctx context.Context, q db.Querier, key int64) error {
	if _, err := q.Exec(ctx, `DELETE FROM fhir.search_params WHERE resource_id = $1`, key); err != nil {
		return fmt.Errorf("delete search params: %w", err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM fhir."references" WHERE source_id = $1`, key); err != nil {
		return fmt.Errorf("delete reference rows: %w", err)
	}
	return nil
}

// notify publishes post-commit, fire-and-forget. A slow or failing sink
// never blocks or fails the operation.
func (s *PGStore) notify(ctx context.Context, action, resourceType, id string, res map[string]interface{}) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Msg("notifier panicked")
			}
		}()
		s.notifier.Notify(context.WithoutCancel(ctx), Event{
			Action:       action,
			ResourceType: resourceType,
			ID:           id,
			Resource:     res,
		})
	}()
}

func stampMeta(res map[string]interface{}, resourceType, id string, version int, updated time.Time) {
	res["resourceType"] = resourceType
	res["id"] = id
	meta, _ := res["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		res["meta"] = meta
	}
	meta["versionId"] = fmt.Sprintf("%d", version)
	meta["lastUpdated"] = updated.Format(time.RFC3339Nano)
}

func validateShape(resourceType string, res map[string]interface{}) error {
	if res == nil {
		return &ValidationError{Diagnostics: "empty resource body"}
	}
	if rt := stringValue(res, "resourceType"); rt != "" && rt != resourceType {
		return &ValidationError{
			Diagnostics: fmt.Sprintf("resourceType %q does not match endpoint %q", rt, resourceType),
			Expression:  []string{"resourceType"},
		}
	}
	if id := stringValue(res, "id"); id != "" && !fhirIDPattern.MatchString(id) {
		return &ValidationError{
			Diagnostics: fmt.Sprintf("invalid resource id %q", id),
			Expression:  []string{resourceType + ".id"},
		}
	}
	return nil
}

func parseVersion(s string) (int, error) {
	var v int
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func decodeResourceValue(v interface{}) (map[string]interface{}, error) {
	switch blob := v.(type) {
	case []byte:
		var res map[string]interface{}
		if err := json.Unmarshal(blob, &res); err != nil {
			return nil, fmt.Errorf("decode search result: %w", err)
		}
		return res, nil
	case map[string]interface{}:
		return blob, nil
	case string:
		var res map[string]interface{}
		if err := json.Unmarshal([]byte(blob), &res); err != nil {
			return nil, fmt.Errorf("decode search result: %w", err)
		}
		return res, nil
	}
	return nil, fmt.Errorf("unexpected resource column type %T", v)
}
