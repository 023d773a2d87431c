package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at dbPath and creates the transfers table
// if it doesn't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY,
		transfer_id TEXT UNIQUE,
		direction TEXT NOT NULL,
		contact TEXT,
		chat_id TEXT,
		is_group INTEGER DEFAULT 0,
		file_locator TEXT,
		file_name TEXT,
		mime_type TEXT,
		size_bytes INTEGER,
		disposition TEXT,
		playing_length INTEGER DEFAULT 0,
		thumb_locator TEXT,
		thumb_mime_type TEXT,
		thumb_size_bytes INTEGER,
		thumb_expires_at DATETIME,
		server_uri TEXT,
		tid TEXT,
		remote_instance_id TEXT,
		local_instance_id TEXT,
		download_info BLOB,
		created_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
