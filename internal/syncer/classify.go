package syncer

import (
	"sort"

	"github.com/fieldline/taskbridge/internal/jira"
	"github.com/fieldline/taskbridge/internal/types"
)

// changeKind is the classification of one entity from the snapshot pair.
type changeKind string

const (
	kindUnchanged         changeKind = "unchanged"
	kindLocalOnlyChanged  changeKind = "local_only_changed"
	kindRemoteOnlyChanged changeKind = "remote_only_changed"
	kindBothChanged       changeKind = "both_changed"
	kindNewLocal          changeKind = "new_local"
	kindNewRemote         changeKind = "new_remote"
	// relink heals a task that carries an external id but lost its ledger
	// entry; only the SyncRecord is rebuilt, no side is written.
	kindRelink changeKind = "relink"
)

// entity pairs whatever is known about one logical task across both stores.
// Task and Issue may each be nil depending on the kind.
type entity struct {
	kind   changeKind
	task   *types.LocalTask
	issue  *jira.Issue
	record *types.SyncRecord
}

// snapshot is the consistent view taken once at the start of a pass.
// Entities modified after the snapshot are picked up on the next pass.
type snapshot struct {
	tasks   []types.LocalTask
	issues  []jira.Issue
	records []types.SyncRecord
}

// classify computes the change set from one snapshot pair. Revision tokens
// on the ledger decide "changed", not field comparison, so a no-op pass
// stays a no-op even when both sides hold identical values written at
// different times. Output order is deterministic (tasks by id, then
// unlinked remote issues by id).
func classify(snap snapshot) []entity {
	taskByID := make(map[string]*types.LocalTask, len(snap.tasks))
	for i := range snap.tasks {
		taskByID[snap.tasks[i].ID] = &snap.tasks[i]
	}
	issueByID := make(map[string]*jira.Issue, len(snap.issues))
	for i := range snap.issues {
		issueByID[snap.issues[i].ID] = &snap.issues[i]
	}
	recordByTask := make(map[string]*types.SyncRecord, len(snap.records))
	recordByExternal := make(map[string]*types.SyncRecord, len(snap.records))
	for i := range snap.records {
		recordByTask[snap.records[i].TaskID] = &snap.records[i]
		recordByExternal[snap.records[i].ExternalID] = &snap.records[i]
	}

	var out []entity

	for i := range snap.tasks {
		task := &snap.tasks[i]
		record := recordByTask[task.ID]

		if record == nil {
			if task.ExternalID == nil || *task.ExternalID == "" {
				out = append(out, entity{kind: kindNewLocal, task: task})
				continue
			}
			// Linked but unledgered: rebuild the record from current state.
			out = append(out, entity{
				kind:  kindRelink,
				task:  task,
				issue: issueByID[*task.ExternalID],
			})
			continue
		}

		issue := issueByID[record.ExternalID]
		localChanged := types.RevisionToken(task.UpdatedAt) != record.LocalRevision
		// An issue absent from the incremental remote snapshot is unchanged.
		remoteChanged := issue != nil && types.RevisionToken(issue.Updated) != record.RemoteRevision

		kind := kindUnchanged
		switch {
		case localChanged && remoteChanged:
			kind = kindBothChanged
		case localChanged:
			kind = kindLocalOnlyChanged
		case remoteChanged:
			kind = kindRemoteOnlyChanged
		}
		out = append(out, entity{kind: kind, task: task, issue: issue, record: record})
	}

	// Remote issues with no ledger entry and no linked task are new.
	var newRemote []entity
	for i := range snap.issues {
		issue := &snap.issues[i]
		if recordByExternal[issue.ID] != nil {
			continue
		}
		if linkedTask := findTaskByExternalID(snap.tasks, issue.ID); linkedTask != nil {
			// Already emitted as relink above.
			continue
		}
		newRemote = append(newRemote, entity{kind: kindNewRemote, issue: issue})
	}
	sort.Slice(newRemote, func(i, j int) bool {
		return newRemote[i].issue.ID < newRemote[j].issue.ID
	})

	return append(out, newRemote...)
}

func findTaskByExternalID(tasks []types.LocalTask, externalID string) *types.LocalTask {
	for i := range tasks {
		if tasks[i].ExternalID != nil && *tasks[i].ExternalID == externalID {
			return &tasks[i]
		}
	}
	return nil
}
