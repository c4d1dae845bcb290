package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/idp-studio/engine/internal/models"
	"github.com/idp-studio/engine/pkg/utils"
)

// Signal kinds accepted by a create workflow's post-success window. Both
// terminate and cancel end the window early; cancel additionally flips the
// execution to cancelled.
const (
	SignalUpdate    = "update"
	SignalTerminate = "terminate"
	SignalCancel    = "cancel"
)

var unsafeKeyChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// Identity derives the deterministic workflow id for an operation on a
// resource: `<operation>-<resourceType>-<key>`. The task queue enforces at
// most one active execution per identity, which is the engine's whole
// concurrency-control story; no in-process locking exists anywhere else.
//
// Keys that are not already id-safe (e-mail addresses) are folded into a
// short stable hash so the same natural key always yields the same identity.
func Identity(operation, resourceType, naturalKey string) string {
	key := strings.ToLower(strings.TrimSpace(naturalKey))
	if unsafeKeyChars.MatchString(key) {
		key = utils.ShortHash(key)
	}
	return fmt.Sprintf("%s-%s-%s", operation, resourceType, key)
}

// TaskType maps an operation and resource type to its queue task type.
func TaskType(operation, resourceType string) string {
	return fmt.Sprintf("lifecycle:%s:%s", operation, resourceType)
}

// Task types handled by the worker.
var (
	TaskCreateOrganization = TaskType(models.OpCreate, models.ResourceOrganization)
	TaskUpdateOrganization = TaskType(models.OpUpdate, models.ResourceOrganization)
	TaskDeleteOrganization = TaskType(models.OpDelete, models.ResourceOrganization)
	TaskCreateUser         = TaskType(models.OpCreate, models.ResourceUser)
	TaskUpdateUser         = TaskType(models.OpUpdate, models.ResourceUser)
	TaskDeleteUser         = TaskType(models.OpDelete, models.ResourceUser)
)
