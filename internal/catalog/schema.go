package catalog

// CreateTARsTableSQL creates the table of TAR schemas. schema_json holds the
// JSON encoding of types.TAR, including current upper bounds.
const CreateTARsTableSQL = `
CREATE TABLE IF NOT EXISTS tars (
    name TEXT PRIMARY KEY,
    schema_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// CreateSubtarsTableSQL creates the table of persisted chunks. Chunk data
// lives in blob storage under object_key.
const CreateSubtarsTableSQL = `
CREATE TABLE IF NOT EXISTS subtars (
    subtar_id TEXT PRIMARY KEY,
    tar_name TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    object_key TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (tar_name, chunk_index),
    FOREIGN KEY (tar_name) REFERENCES tars(name)
)`

// CreateSubtarsIndexSQL speeds up loading the chunks of one TAR in order.
const CreateSubtarsIndexSQL = `CREATE INDEX IF NOT EXISTS idx_subtars_tar ON subtars(tar_name, chunk_index)`

// AllSchemaSQL returns all schema creation statements in order.
func AllSchemaSQL() []string {
	return []string{CreateTARsTableSQL, CreateSubtarsTableSQL, CreateSubtarsIndexSQL}
}
