package migrations

// getAllMigrations returns all available migrations
func getAllMigrations() []Migration {
	return []Migration{
		migration1Shares(),
		migration2Users(),
		migration3AuditLogs(),
	}
}

// migration1Shares creates shares, their grantee rows and the live code claims.
// share_codes holds at most one row per code; an expired claim is purged by the
// inserting transaction before it claims the code again.
func migration1Shares() Migration {
	return Migration{
		Version:     1,
		Description: "Create shares, share_permissions and share_codes",
		Statements: map[string][]string{
			"sqlite": {
				`CREATE TABLE IF NOT EXISTS shares (
					id TEXT PRIMARY KEY,
					code TEXT NOT NULL,
					owner TEXT NOT NULL,
					file_name TEXT NOT NULL,
					file_type TEXT NOT NULL,
					file_size INTEGER NOT NULL,
					object_path TEXT NOT NULL,
					visibility TEXT NOT NULL,
					created_at INTEGER NOT NULL,
					expire_at INTEGER NOT NULL,
					CHECK (expire_at > created_at),
					CHECK (file_size >= 0)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_shares_code ON shares(code)`,
				`CREATE INDEX IF NOT EXISTS idx_shares_owner ON shares(owner, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_shares_expire_at ON shares(expire_at)`,
				`CREATE TABLE IF NOT EXISTS share_permissions (
					share_id TEXT NOT NULL,
					grantee TEXT NOT NULL,
					PRIMARY KEY (share_id, grantee),
					FOREIGN KEY (share_id) REFERENCES shares(id) ON DELETE CASCADE
				)`,
				`CREATE TABLE IF NOT EXISTS share_codes (
					code TEXT PRIMARY KEY,
					share_id TEXT NOT NULL,
					expire_at INTEGER NOT NULL,
					FOREIGN KEY (share_id) REFERENCES shares(id) ON DELETE CASCADE
				)`,
			},
			"mysql": {
				`CREATE TABLE IF NOT EXISTS shares (
					id VARCHAR(64) PRIMARY KEY,
					code CHAR(6) NOT NULL,
					owner VARCHAR(64) NOT NULL,
					file_name VARCHAR(512) NOT NULL,
					file_type VARCHAR(255) NOT NULL,
					file_size BIGINT NOT NULL,
					object_path VARCHAR(1024) NOT NULL,
					visibility VARCHAR(16) NOT NULL,
					created_at BIGINT NOT NULL,
					expire_at BIGINT NOT NULL,
					INDEX idx_shares_code (code),
					INDEX idx_shares_owner (owner, created_at),
					INDEX idx_shares_expire_at (expire_at)
				) ENGINE=InnoDB`,
				`CREATE TABLE IF NOT EXISTS share_permissions (
					share_id VARCHAR(64) NOT NULL,
					grantee VARCHAR(255) NOT NULL,
					PRIMARY KEY (share_id, grantee),
					FOREIGN KEY (share_id) REFERENCES shares(id) ON DELETE CASCADE
				) ENGINE=InnoDB`,
				`CREATE TABLE IF NOT EXISTS share_codes (
					code CHAR(6) PRIMARY KEY,
					share_id VARCHAR(64) NOT NULL,
					expire_at BIGINT NOT NULL,
					FOREIGN KEY (share_id) REFERENCES shares(id) ON DELETE CASCADE
				) ENGINE=InnoDB`,
			},
			"postgres": {
				`CREATE TABLE IF NOT EXISTS shares (
					id TEXT PRIMARY KEY,
					code TEXT NOT NULL,
					owner TEXT NOT NULL,
					file_name TEXT NOT NULL,
					file_type TEXT NOT NULL,
					file_size BIGINT NOT NULL CHECK (file_size >= 0),
					object_path TEXT NOT NULL,
					visibility TEXT NOT NULL,
					created_at BIGINT NOT NULL,
					expire_at BIGINT NOT NULL,
					CHECK (expire_at > created_at)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_shares_code ON shares(code)`,
				`CREATE INDEX IF NOT EXISTS idx_shares_owner ON shares(owner, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_shares_expire_at ON shares(expire_at)`,
				`CREATE TABLE IF NOT EXISTS share_permissions (
					share_id TEXT NOT NULL REFERENCES shares(id) ON DELETE CASCADE,
					grantee TEXT NOT NULL,
					PRIMARY KEY (share_id, grantee)
				)`,
				`CREATE TABLE IF NOT EXISTS share_codes (
					code TEXT PRIMARY KEY,
					share_id TEXT NOT NULL REFERENCES shares(id) ON DELETE CASCADE,
					expire_at BIGINT NOT NULL
				)`,
			},
		},
	}
}

// migration2Users creates the local identity directory. Usernames are stored lower-cased.
func migration2Users() Migration {
	return Migration{
		Version:     2,
		Description: "Create users",
		Statements: map[string][]string{
			"sqlite": {
				`CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					username TEXT NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					avatar_url TEXT,
					created_at INTEGER NOT NULL
				)`,
			},
			"mysql": {
				`CREATE TABLE IF NOT EXISTS users (
					id VARCHAR(64) PRIMARY KEY,
					username VARCHAR(64) NOT NULL UNIQUE,
					password_hash VARCHAR(255) NOT NULL,
					avatar_url VARCHAR(1024),
					created_at BIGINT NOT NULL
				) ENGINE=InnoDB`,
			},
			"postgres": {
				`CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					username TEXT NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					avatar_url TEXT,
					created_at BIGINT NOT NULL
				)`,
			},
		},
	}
}

// migration3AuditLogs creates the audit trail of account and share events
func migration3AuditLogs() Migration {
	return Migration{
		Version:     3,
		Description: "Create audit_logs",
		Statements: map[string][]string{
			"sqlite": {
				`CREATE TABLE IF NOT EXISTS audit_logs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					timestamp INTEGER NOT NULL,
					user_id TEXT NOT NULL,
					username TEXT NOT NULL,
					event_type TEXT NOT NULL,
					resource_type TEXT,
					resource_id TEXT,
					resource_name TEXT,
					action TEXT NOT NULL,
					status TEXT NOT NULL,
					ip_address TEXT,
					user_agent TEXT,
					details TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id, timestamp)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type)`,
			},
			"mysql": {
				`CREATE TABLE IF NOT EXISTS audit_logs (
					id BIGINT AUTO_INCREMENT PRIMARY KEY,
					timestamp BIGINT NOT NULL,
					user_id VARCHAR(64) NOT NULL,
					username VARCHAR(64) NOT NULL,
					event_type VARCHAR(64) NOT NULL,
					resource_type VARCHAR(32),
					resource_id VARCHAR(64),
					resource_name VARCHAR(512),
					action VARCHAR(32) NOT NULL,
					status VARCHAR(16) NOT NULL,
					ip_address VARCHAR(64),
					user_agent VARCHAR(512),
					details TEXT,
					INDEX idx_audit_logs_timestamp (timestamp),
					INDEX idx_audit_logs_user_id (user_id, timestamp),
					INDEX idx_audit_logs_event_type (event_type)
				) ENGINE=InnoDB`,
			},
			"postgres": {
				`CREATE TABLE IF NOT EXISTS audit_logs (
					id BIGSERIAL PRIMARY KEY,
					timestamp BIGINT NOT NULL,
					user_id TEXT NOT NULL,
					username TEXT NOT NULL,
					event_type TEXT NOT NULL,
					resource_type TEXT,
					resource_id TEXT,
					resource_name TEXT,
					action TEXT NOT NULL,
					status TEXT NOT NULL,
					ip_address TEXT,
					user_agent TEXT,
					details TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id, timestamp)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type)`,
			},
		},
	}
}
