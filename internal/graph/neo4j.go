package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Client is the neo4j-backed Store.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
	log      *zap.Logger
}

// Connect opens a driver against the given bolt URI and verifies
// connectivity before returning.
func Connect(ctx context.Context, uri, username, password, database string, log *zap.Logger) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("open graph driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("graph store unreachable at %s: %w", uri, err)
	}
	log.Info("graph store connected", zap.String("uri", uri), zap.String("database", database))
	return &Client{driver: driver, database: database, log: log.Named("graph")}, nil
}

// InWriteTransaction runs fn in one explicit write transaction.
func (c *Client) InWriteTransaction(ctx context.Context, fn func(tx Tx) error) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() { _ = session.Close(ctx) }()

	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("begin graph transaction: %w", err)
	}
	if err := fn(&neoTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			c.log.Warn("graph rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit graph transaction: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// Close releases the driver.
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

type neoTx struct {
	tx neo4j.ExplicitTransaction
}

func (t *neoTx) Run(ctx context.Context, cypher string, params map[string]any) (Counters, error) {
	result, err := t.tx.Run(ctx, cypher, params)
	if err != nil {
		return Counters{}, fmt.Errorf("run statement: %w", err)
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return Counters{}, fmt.Errorf("consume result: %w", err)
	}
	counters := summary.Counters()
	return Counters{
		NodesCreated:         counters.NodesCreated(),
		NodesDeleted:         counters.NodesDeleted(),
		RelationshipsCreated: counters.RelationshipsCreated(),
		PropertiesSet:        counters.PropertiesSet(),
	}, nil
}

func (t *neoTx) Collect(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	result, err := t.tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("run statement: %w", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect rows: %w", err)
	}
	rows := make([]map[string]any, len(records))
	for i, rec := range records {
		rows[i] = rec.AsMap()
	}
	return rows, nil
}
