package kafka

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/opsflow/pkg/events"
)

// partitionKey keeps every message of one instance on the same partition.
func partitionKey(_ string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(events.EventMetadataKey), nil
}
