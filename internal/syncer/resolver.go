package syncer

import (
	"fmt"

	"github.com/fieldline/taskbridge/internal/jira"
	"github.com/fieldline/taskbridge/internal/types"
)

// Winner is the side whose field values are applied to the other.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerManual Winner = "manual"
)

// Resolution is the resolver's verdict for one both-changed entity.
type Resolution struct {
	Winner Winner
	Reason string
}

// Resolve decides who wins for a both-changed entity. Resolution is
// whole-entity: the winning side's field values replace the other side's,
// never a per-field merge. The decision depends only on the two snapshots
// and the policy, so repeated invocations are identical.
//
// Under mostRecentWins, an exact timestamp tie goes to the remote side:
// the external tracker is the source of truth by convention. This tie-break
// is a deliberate, documented choice.
func Resolve(policy types.ResolutionPolicy, local *types.LocalTask, remote *jira.Issue) Resolution {
	switch policy {
	case types.PolicyLocalWins:
		return Resolution{Winner: WinnerLocal, Reason: "policy localWins"}
	case types.PolicyRemoteWins:
		return Resolution{Winner: WinnerRemote, Reason: "policy remoteWins"}
	case types.PolicyManual:
		return Resolution{Winner: WinnerManual, Reason: "policy manual"}
	case types.PolicyMostRecentWins:
		if local.UpdatedAt.After(remote.Updated) {
			return Resolution{
				Winner: WinnerLocal,
				Reason: fmt.Sprintf("local edit at %s is newer than remote at %s",
					local.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
					remote.Updated.UTC().Format("2006-01-02T15:04:05Z")),
			}
		}
		if remote.Updated.After(local.UpdatedAt) {
			return Resolution{
				Winner: WinnerRemote,
				Reason: fmt.Sprintf("remote edit at %s is newer than local at %s",
					remote.Updated.UTC().Format("2006-01-02T15:04:05Z"),
					local.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")),
			}
		}
		return Resolution{Winner: WinnerRemote, Reason: "timestamps equal, remote wins on tie"}
	default:
		// Unknown policies fall back to manual: surfacing beats guessing.
		return Resolution{Winner: WinnerManual, Reason: "unrecognized policy"}
	}
}

// conflictKey is the stable identity of a conflict across passes, so the UI
// can deduplicate a conflict that keeps re-surfacing under the manual policy.
func conflictKey(integrationID, taskID string) string {
	return integrationID + ":" + taskID
}

// diffFields lists the fields whose local and remote values diverge.
// remoteStatusLocal is the remote status mapped into the local catalog; an
// empty value means the status is unmapped and is compared by name.
func diffFields(local *types.LocalTask, remote *jira.Issue, remoteStatusLocal string) []types.FieldDiff {
	var diffs []types.FieldDiff
	if local.Title != remote.Summary {
		diffs = append(diffs, types.FieldDiff{Field: "title", Local: local.Title, Remote: remote.Summary})
	}
	if local.Description != remote.Description {
		diffs = append(diffs, types.FieldDiff{Field: "description", Local: local.Description, Remote: remote.Description})
	}
	if remoteStatusLocal != "" {
		if local.StatusID != remoteStatusLocal {
			diffs = append(diffs, types.FieldDiff{Field: "status", Local: local.StatusID, Remote: remoteStatusLocal})
		}
	} else if local.StatusID != remote.Status {
		diffs = append(diffs, types.FieldDiff{Field: "status", Local: local.StatusID, Remote: remote.Status})
	}
	if local.Priority != "" && remote.Priority != "" && local.Priority != remote.Priority {
		diffs = append(diffs, types.FieldDiff{Field: "priority", Local: local.Priority, Remote: remote.Priority})
	}
	return diffs
}
