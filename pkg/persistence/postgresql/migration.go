package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE process_definitions (
				id VARCHAR(255) PRIMARY KEY,
				group_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				version INTEGER NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'published', 'disabled')),
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				variables JSONB,
				created_by VARCHAR(255) NOT NULL DEFAULT '',
				updated_by VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE,
				deleted_at TIMESTAMP WITH TIME ZONE,
				revision BIGINT NOT NULL DEFAULT 1
			);

			CREATE UNIQUE INDEX idx_process_definitions_group_version ON process_definitions(group_id, version);
			CREATE INDEX idx_process_definitions_status ON process_definitions(status);
			CREATE INDEX idx_process_definitions_deleted_at ON process_definitions(deleted_at);

			CREATE TABLE process_instances (
				id VARCHAR(255) PRIMARY KEY,
				definition_id VARCHAR(255) NOT NULL REFERENCES process_definitions(id),
				definition_group_id VARCHAR(255) NOT NULL,
				definition_version INTEGER NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'suspended', 'completed', 'terminated', 'failed')),
				definition JSONB NOT NULL,
				variables JSONB,
				slots JSONB,
				current_nodes JSONB,
				parent_instance_id VARCHAR(255),
				parent_node_id VARCHAR(255),
				started_by VARCHAR(255) NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE,
				revision BIGINT NOT NULL DEFAULT 1
			);

			CREATE INDEX idx_process_instances_status ON process_instances(status);
			CREATE INDEX idx_process_instances_definition ON process_instances(definition_id);
			CREATE INDEX idx_process_instances_parent ON process_instances(parent_instance_id);
			CREATE INDEX idx_process_instances_ended_at ON process_instances(ended_at);

			CREATE TABLE node_execution_history (
				id VARCHAR(255) PRIMARY KEY,
				instance_id VARCHAR(255) NOT NULL REFERENCES process_instances(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				node_name VARCHAR(255) NOT NULL DEFAULT '',
				node_type VARCHAR(50) NOT NULL,
				attempt INTEGER NOT NULL DEFAULT 1,
				iteration INTEGER NOT NULL DEFAULT 0,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'terminated')),
				input_data JSONB,
				output_data JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_node_execution_history_instance ON node_execution_history(instance_id, started_at);
			CREATE INDEX idx_node_execution_history_node ON node_execution_history(instance_id, node_id);
			CREATE INDEX idx_node_execution_history_open ON node_execution_history(status) WHERE ended_at IS NULL;
		`,
	}
}
