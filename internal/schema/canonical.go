package schema

import "fmt"

// CriticalTable is the conversation thread table. A database without it
// cannot serve chat traffic.
const CriticalTable = "chat_threads"

// EmbeddingDimension is the width of documents.embedding.
const EmbeddingDimension = 1536

// Canonical is the catalog applied to every tenant database and the shared
// default database. Order: extension, base tables, dependent tables,
// standard indexes, vector indexes.
var Canonical = Catalog{
	CriticalTable: CriticalTable,
	Statements: []Statement{
		{
			Kind:        KindExtension,
			Description: "Enable pgvector for embedding columns and <-> distance",
			SQL:         `CREATE EXTENSION IF NOT EXISTS vector`,
		},

		// Base tables.
		{
			Kind:        KindTable,
			TableName:   "chat_threads",
			Description: "Conversation threads owned by a user",
			SQL: `CREATE TABLE IF NOT EXISTS chat_threads (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				persona_id TEXT,
				persona_message TEXT,
				is_bookmarked BOOLEAN NOT NULL DEFAULT FALSE,
				is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				last_message_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
		{
			Kind:        KindTable,
			TableName:   "personas",
			Description: "Reusable assistant personas",
			SQL: `CREATE TABLE IF NOT EXISTS personas (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				persona_message TEXT NOT NULL DEFAULT '',
				is_published BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
		{
			Kind:        KindTable,
			TableName:   "prompts",
			Description: "Saved prompt templates",
			SQL: `CREATE TABLE IF NOT EXISTS prompts (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				is_published BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
		{
			Kind:        KindTable,
			TableName:   "extensions",
			Description: "Tool extensions callable from chat",
			SQL: `CREATE TABLE IF NOT EXISTS extensions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				execution_steps TEXT NOT NULL DEFAULT '',
				headers JSONB NOT NULL DEFAULT '[]'::jsonb,
				functions JSONB NOT NULL DEFAULT '[]'::jsonb,
				is_published BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},

		// Dependent tables.
		{
			Kind:        KindTable,
			TableName:   "chat_messages",
			Description: "Messages exchanged within a thread",
			SQL: `CREATE TABLE IF NOT EXISTS chat_messages (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL REFERENCES chat_threads(id) ON DELETE CASCADE,
				user_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				multi_modal_image TEXT,
				is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
		{
			Kind:        KindTable,
			TableName:   "chat_documents",
			Description: "Files attached to a thread",
			SQL: `CREATE TABLE IF NOT EXISTS chat_documents (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL REFERENCES chat_threads(id) ON DELETE CASCADE,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL,
				is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
		{
			Kind:        KindTable,
			TableName:   "documents",
			Description: "Embedded document chunks for retrieval",
			SQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				thread_id TEXT NOT NULL DEFAULT '',
				file_name TEXT NOT NULL,
				content TEXT NOT NULL,
				chunk_index INTEGER NOT NULL DEFAULT 0,
				is_admin_kb BOOLEAN NOT NULL DEFAULT FALSE,
				embedding vector(%d) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, EmbeddingDimension),
		},

		// Standard indexes.
		{
			Kind:        KindIndex,
			TableName:   "chat_threads",
			Description: "Thread lookup by owner",
			SQL:         `CREATE INDEX IF NOT EXISTS chat_threads_user_id_idx ON chat_threads (user_id)`,
		},
		{
			Kind:        KindIndex,
			TableName:   "chat_messages",
			Description: "Message lookup by thread",
			SQL:         `CREATE INDEX IF NOT EXISTS chat_messages_thread_id_idx ON chat_messages (thread_id, created_at)`,
		},
		{
			Kind:        KindIndex,
			TableName:   "chat_documents",
			Description: "Attachment lookup by thread",
			SQL:         `CREATE INDEX IF NOT EXISTS chat_documents_thread_id_idx ON chat_documents (thread_id)`,
		},
		{
			Kind:        KindIndex,
			TableName:   "personas",
			Description: "Persona lookup by owner",
			SQL:         `CREATE INDEX IF NOT EXISTS personas_user_id_idx ON personas (user_id)`,
		},
		{
			Kind:        KindIndex,
			TableName:   "prompts",
			Description: "Prompt lookup by owner",
			SQL:         `CREATE INDEX IF NOT EXISTS prompts_user_id_idx ON prompts (user_id)`,
		},
		{
			Kind:        KindIndex,
			TableName:   "extensions",
			Description: "Extension lookup by owner",
			SQL:         `CREATE INDEX IF NOT EXISTS extensions_user_id_idx ON extensions (user_id)`,
		},
		{
			Kind:        KindIndex,
			TableName:   "documents",
			Description: "Chunk scoping by tenant and thread",
			SQL:         `CREATE INDEX IF NOT EXISTS documents_tenant_thread_idx ON documents (tenant_id, thread_id)`,
		},

		// Vector indexes.
		{
			Kind:        KindVectorIndex,
			TableName:   "documents",
			Description: "Approximate nearest-neighbour index for L2 distance",
			SQL:         `CREATE INDEX IF NOT EXISTS documents_embedding_idx ON documents USING ivfflat (embedding vector_l2_ops) WITH (lists = 100)`,
		},
	},
}
