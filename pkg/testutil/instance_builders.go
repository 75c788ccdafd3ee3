package testutil

import (
	"time"

	"github.com/dukex/opsflow/pkg/models"
)

// CreateTestInstance creates a running instance of def with its start node ready.
// The id is left empty for the repository to assign.
func CreateTestInstance(def *models.ProcessDefinition, overrides ...func(*models.ProcessInstance)) *models.ProcessInstance {
	instance := &models.ProcessInstance{
		DefinitionID:      def.ID,
		DefinitionGroupID: def.GroupID,
		DefinitionVersion: def.Version,
		Name:              def.Name,
		Status:            models.InstanceStatusRunning,
		Definition:        def,
		Variables:         models.CopyMap(def.Variables),
		Slots:             map[string]*models.NodeSlot{"start": {NodeID: "start", State: models.SlotStateReady}},
		StartedBy:         "test-user",
		StartedAt:         time.Now().UTC(),
	}

	for _, override := range overrides {
		override(instance)
	}

	instance.SyncCurrentNodes()

	return instance
}

// CreateTestRecord creates an open first-attempt action record.
func CreateTestRecord(instanceID, nodeID string) *models.NodeExecutionHistory {
	return &models.NodeExecutionHistory{
		InstanceID: instanceID,
		NodeID:     nodeID,
		NodeName:   "Action " + nodeID,
		NodeType:   models.NodeTypeAction,
		Attempt:    1,
		InputData:  map[string]any{"command": "show version"},
		StartedAt:  time.Now().UTC(),
	}
}
