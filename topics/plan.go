package topics

import (
	"context"
	"errors"
	"fmt"
)

// DeployPlan creates the plan's topics whose creation mode asks for it.
// Backends implement Deploy on top of their TopicAdmin with this helper.
func DeployPlan(ctx context.Context, admin TopicAdmin, plan *ExecutionPlan) error {
	if plan == nil {
		return nil
	}
	for _, def := range plan.Topics {
		if def.CreationMode != CreateIfNotExists {
			continue
		}
		if err := admin.EnsureTopic(ctx, def); err != nil {
			return fmt.Errorf("deploy %s: create topic %s: %w", plan.ApplicationID, def.Name, err)
		}
	}
	return nil
}

// DeletePlan deletes the plan's topics whose deletion mode asks for it.
// Topics that are already gone are skipped.
func DeletePlan(ctx context.Context, admin TopicAdmin, plan *ExecutionPlan) error {
	if plan == nil {
		return nil
	}
	for _, def := range plan.Topics {
		if def.DeletionMode != DeleteTopic {
			continue
		}
		if err := admin.DeleteTopic(ctx, def.Name); err != nil && !errors.Is(err, ErrTopicNotFound) {
			return fmt.Errorf("delete %s: delete topic %s: %w", plan.ApplicationID, def.Name, err)
		}
	}
	return nil
}
