package mysql

import (
	"context"

	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/go-kit/log/level"
)

// schema is applied in order by MigrateTables. Every statement must be
// idempotent since prepare db may run against an existing database.
var schema = []struct {
	name string
	stmt string
}{
	{
		name: "device_authorities",
		stmt: `CREATE TABLE IF NOT EXISTS device_authorities (
  id int(10) unsigned NOT NULL AUTO_INCREMENT,
  public_key text COLLATE utf8mb4_unicode_ci NOT NULL,
  private_key text COLLATE utf8mb4_unicode_ci NOT NULL,
  created_at timestamp(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
  expires_at timestamp(6) NOT NULL,
  PRIMARY KEY (id),
  KEY idx_device_authorities_expires_at (expires_at),
  KEY idx_device_authorities_created_at (created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
	{
		name: "locks",
		stmt: `CREATE TABLE IF NOT EXISTS locks (
  name varchar(255) COLLATE utf8mb4_unicode_ci NOT NULL,
  owner varchar(255) COLLATE utf8mb4_unicode_ci NOT NULL,
  expires_at timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (name)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
}

// MigrateTables creates the tables used by the gateway if they do not exist.
func (d *Datastore) MigrateTables(ctx context.Context) error {
	// DDL statements commit implicitly in MySQL, no transaction here.
	for _, table := range schema {
		if _, err := d.writer.ExecContext(ctx, table.stmt); err != nil {
			return ctxerr.Wrapf(ctx, err, "create table %s", table.name)
		}
		level.Debug(d.logger).Log("msg", "table ready", "table", table.name)
	}
	return nil
}
