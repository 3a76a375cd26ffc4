// Package all registers every storage backend and the SQL Server driver.
package all

import (
	_ "csvload/internal/storage/mssql"
	_ "csvload/internal/storage/postgres"
	_ "csvload/internal/storage/sqlite"

	_ "github.com/microsoft/go-mssqldb"
)
