package schema

// Local mirrors Canonical for SQLite, used in local development where the
// chunk store keeps embeddings in memory. It has no extension and no vector
// index; documents.embedding is stored as an opaque blob.
var Local = Catalog{
	CriticalTable: CriticalTable,
	Statements: []Statement{
		{Kind: KindTable, TableName: "chat_threads", Description: "Conversation threads owned by a user",
			SQL: `CREATE TABLE IF NOT EXISTS chat_threads (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				persona_id TEXT,
				persona_message TEXT,
				is_bookmarked BOOLEAN NOT NULL DEFAULT 0,
				is_deleted BOOLEAN NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_message_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`},
		{Kind: KindTable, TableName: "personas", Description: "Reusable assistant personas",
			SQL: `CREATE TABLE IF NOT EXISTS personas (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				persona_message TEXT NOT NULL DEFAULT '',
				is_published BOOLEAN NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`},
		{Kind: KindTable, TableName: "prompts", Description: "Saved prompt templates",
			SQL: `CREATE TABLE IF NOT EXISTS prompts (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				is_published BOOLEAN NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`},
		{Kind: KindTable, TableName: "extensions", Description: "Tool extensions callable from chat",
			SQL: `CREATE TABLE IF NOT EXISTS extensions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				execution_steps TEXT NOT NULL DEFAULT '',
				headers TEXT NOT NULL DEFAULT '[]',
				functions TEXT NOT NULL DEFAULT '[]',
				is_published BOOLEAN NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`},

		{Kind: KindTable, TableName: "chat_messages", Description: "Messages exchanged within a thread",
			SQL: `CREATE TABLE IF NOT EXISTS chat_messages (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL REFERENCES chat_threads(id) ON DELETE CASCADE,
				user_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				multi_modal_image TEXT,
				is_deleted BOOLEAN NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`},
		{Kind: KindTable, TableName: "chat_documents", Description: "Files attached to a thread",
			SQL: `CREATE TABLE IF NOT EXISTS chat_documents (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL REFERENCES chat_threads(id) ON DELETE CASCADE,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL,
				is_deleted BOOLEAN NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`},
		{Kind: KindTable, TableName: "documents", Description: "Embedded document chunks for retrieval",
			SQL: `CREATE TABLE IF NOT EXISTS documents (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				thread_id TEXT NOT NULL DEFAULT '',
				file_name TEXT NOT NULL,
				content TEXT NOT NULL,
				chunk_index INTEGER NOT NULL DEFAULT 0,
				is_admin_kb BOOLEAN NOT NULL DEFAULT 0,
				embedding BLOB,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`},

		{Kind: KindIndex, TableName: "chat_threads", Description: "Thread lookup by owner",
			SQL: `CREATE INDEX IF NOT EXISTS chat_threads_user_id_idx ON chat_threads (user_id)`},
		{Kind: KindIndex, TableName: "chat_messages", Description: "Message lookup by thread",
			SQL: `CREATE INDEX IF NOT EXISTS chat_messages_thread_id_idx ON chat_messages (thread_id, created_at)`},
		{Kind: KindIndex, TableName: "chat_documents", Description: "Attachment lookup by thread",
			SQL: `CREATE INDEX IF NOT EXISTS chat_documents_thread_id_idx ON chat_documents (thread_id)`},
		{Kind: KindIndex, TableName: "personas", Description: "Persona lookup by owner",
			SQL: `CREATE INDEX IF NOT EXISTS personas_user_id_idx ON personas (user_id)`},
		{Kind: KindIndex, TableName: "prompts", Description: "Prompt lookup by owner",
			SQL: `CREATE INDEX IF NOT EXISTS prompts_user_id_idx ON prompts (user_id)`},
		{Kind: KindIndex, TableName: "extensions", Description: "Extension lookup by owner",
			SQL: `CREATE INDEX IF NOT EXISTS extensions_user_id_idx ON extensions (user_id)`},
		{Kind: KindIndex, TableName: "documents", Description: "Chunk scoping by tenant and thread",
			SQL: `CREATE INDEX IF NOT EXISTS documents_tenant_thread_idx ON documents (tenant_id, thread_id)`},
	},
}

// ForDialect returns the catalog for a storage dialect name.
func ForDialect(name string) Catalog {
	if name == "sqlite" {
		return Local
	}
	return Canonical
}
