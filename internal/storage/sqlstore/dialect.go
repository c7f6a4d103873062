package sqlstore

import "fmt"

// dialect carries the few schema fragments that differ between drivers.
// Queries themselves use $N placeholders, which both drivers accept.
type dialect struct {
	name       string
	serialPK   string
	timestamp  string
	falseValue string
	trueValue  string
}

var dialects = map[string]dialect{
	"sqlite3": {
		name:       "sqlite3",
		serialPK:   "INTEGER PRIMARY KEY AUTOINCREMENT",
		timestamp:  "DATETIME",
		falseValue: "0",
		trueValue:  "1",
	},
	"postgres": {
		name:       "postgres",
		serialPK:   "BIGSERIAL PRIMARY KEY",
		timestamp:  "TIMESTAMPTZ",
		falseValue: "FALSE",
		trueValue:  "TRUE",
	},
}

func dialectFor(driver string) (dialect, error) {
	if driver == "" || driver == "sqlite" {
		driver = "sqlite3"
	}
	if driver == "postgresql" {
		driver = "postgres"
	}
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported storage driver %q", driver)
	}
	return d, nil
}
