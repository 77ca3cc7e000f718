package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeckmann/schulsync/internal/inbox"
	"github.com/mbeckmann/schulsync/internal/provider"
)

func inboxEntry(p string, mod time.Time) provider.Entry {
	return provider.Entry{
		Name:     p[lastSlash(p)+1:],
		Path:     p,
		IsFile:   true,
		Size:     100,
		Modified: mod,
	}
}

func lastSlash(p string) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return i
		}
	}

	return -1
}

func TestBuildInboxListing_UnmergedFirstNewestFirst(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	dir := "/schulsync/inbox"

	pending := []provider.Entry{
		inboxEntry(dir+"/application_old.json", base),
		inboxEntry(dir+"/application_new.json", base.Add(2*time.Hour)),
		{Name: "notes.txt", Path: dir + "/notes.txt", IsFile: true},
		{Name: "processed", Path: dir + "/processed", IsFile: false},
	}
	processed := []provider.Entry{
		inboxEntry(dir+"/processed/application_done.json", base.Add(time.Hour)),
	}
	merged := map[string]bool{
		dir + "/application_done.json": true,
	}

	items := buildInboxListing(pending, processed, dir, merged)
	require.Len(t, items, 3, "non-submissions and directories are excluded")

	// Unmerged before merged, newest submission first within the group.
	assert.Equal(t, dir+"/application_new.json", items[0].Path)
	assert.False(t, items[0].Merged)
	assert.Equal(t, dir+"/application_old.json", items[1].Path)
	assert.False(t, items[1].Merged)
	assert.Equal(t, dir+"/processed/application_done.json", items[2].Path)
	assert.True(t, items[2].Merged)
}

func TestBuildInboxListing_RelocatedButUnmergedSurfaces(t *testing.T) {
	dir := "/schulsync/inbox"

	// A run that died between relocation and merge leaves a processed file
	// the ledger does not know.
	processed := []provider.Entry{
		inboxEntry(dir+"/processed/application_orphan.json", time.Time{}),
	}

	items := buildInboxListing(nil, processed, dir, map[string]bool{})
	require.Len(t, items, 1)
	assert.False(t, items[0].Merged)
}

func TestLedgerPathFor(t *testing.T) {
	dir := "/schulsync/inbox"

	tests := []struct {
		name string
		want string
	}{
		{"application_a.json", dir + "/application_a.json"},
		{"application_a (1).json", dir + "/application_a.json"},
		{"application_a (4f3c2b1a).json", dir + "/application_a.json"},
		{"application_(odd).json", dir + "/application_(odd).json"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ledgerPathFor(dir, tt.name), tt.name)
	}
}

func TestDropMerged(t *testing.T) {
	result := &inbox.PollResult{Submissions: []inbox.Submission{
		{Path: "supabase://applications/1"},
		{Path: "supabase://applications/2"},
		{Path: "supabase://applications/3"},
	}}

	dropMerged(result, map[string]bool{"supabase://applications/2": true})

	require.Len(t, result.Submissions, 2)
	assert.Equal(t, "supabase://applications/1", result.Submissions[0].Path)
	assert.Equal(t, "supabase://applications/3", result.Submissions[1].Path)
}
