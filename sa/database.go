package sa

import (
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/letsencrypt/borp"

	"github.com/acmetk/acme-broker/db"
)

// DbSettings contains the user-adjustable connection pool knobs.
type DbSettings struct {
	// MaxOpenConns sets the maximum number of open connections to the
	// database. If MaxIdleConns is greater than 0 and MaxOpenConns is
	// less than MaxIdleConns, then MaxIdleConns will be reduced to
	// match the new MaxOpenConns limit. Zero means no limit.
	MaxOpenConns int

	// MaxIdleConns sets the maximum number of connections in the idle
	// connection pool.
	MaxIdleConns int

	// ConnMaxLifetime sets the maximum amount of time a connection may
	// be reused.
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime sets the maximum amount of time a connection may
	// be idle.
	ConnMaxIdleTime time.Duration
}

// InitWrappedDb constructs a wrapped borp mapping object with the provided
// settings. If scheme is empty it defaults to mysql.
func InitWrappedDb(dsn string, settings DbSettings) (*db.WrappedMap, error) {
	dbMap, err := newDbMap(dsn, settings)
	if err != nil {
		return nil, err
	}
	return db.NewWrappedMap(dbMap), nil
}

// newDbMap creates the root borp mapping object. Create one of these for
// each database schema you wish to map. Each DbMap contains a list of mapped
// tables.
func newDbMap(dsn string, settings DbSettings) (*borp.DbMap, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	// Required to avoid issues with time.Time fields scanning as []byte.
	cfg.ParseTime = true

	conn, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(settings.MaxOpenConns)
	conn.SetMaxIdleConns(settings.MaxIdleConns)
	conn.SetConnMaxLifetime(settings.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(settings.ConnMaxIdleTime)

	dialect := borp.MySQLDialect{Engine: "InnoDB", Encoding: "UTF8"}
	dbMap := &borp.DbMap{Db: conn, Dialect: dialect, TypeConverter: BrokerTypeConverter{}}

	initTables(dbMap)
	return dbMap, nil
}

// initTables constructs the table map for the ACME object store.
func initTables(dbMap *borp.DbMap) {
	dbMap.AddTableWithName(regModel{}, "registrations").SetKeys(true, "ID")
	dbMap.AddTableWithName(orderModel{}, "orders").SetKeys(true, "ID")
	dbMap.AddTableWithName(orderToAuthzModel{}, "orderToAuthz").SetKeys(false, "OrderID", "AuthzID")
	dbMap.AddTableWithName(authzModel{}, "authz").SetKeys(true, "ID")
	dbMap.AddTableWithName(certificateModel{}, "certificates").SetKeys(true, "ID")
	dbMap.AddTableWithName(certificateStatusModel{}, "certificateStatus").SetKeys(false, "Serial")
	dbMap.AddTableWithName(upstreamMirrorModel{}, "upstreamMirrors").SetKeys(true, "ID")
}
