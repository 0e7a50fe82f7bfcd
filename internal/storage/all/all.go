// Package all links every storage backend into the binary.
package all

import (
	_ "selfheal/internal/storage/memory"
	_ "selfheal/internal/storage/mssql"
	_ "selfheal/internal/storage/postgres"
	_ "selfheal/internal/storage/sqlite"
)
