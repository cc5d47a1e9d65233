package services

import (
	"fmt"
	"testing"

	"stagecast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFrame = domain.FrameSize{Width: 1280, Height: 720}

func participantIDs(n int) []domain.ParticipantID {
	ids := make([]domain.ParticipantID, n)
	for i := range ids {
		ids[i] = domain.ParticipantID(fmt.Sprintf("p%d", i+1))
	}
	return ids
}

func TestGridDimensions(t *testing.T) {
	tests := []struct {
		n    int
		cols int
		rows int
	}{
		{0, 1, 1},
		{1, 1, 1},
		{2, 2, 1},
		{3, 2, 2},
		{4, 2, 2},
		{5, 3, 2},
		{6, 3, 2},
		{7, 3, 3},
		{9, 3, 3},
		{10, 4, 3},
		{25, 4, 3},
	}
	for _, tt := range tests {
		cols, rows := gridDimensions(tt.n)
		assert.Equal(t, tt.cols, cols, "cols for n=%d", tt.n)
		assert.Equal(t, tt.rows, rows, "rows for n=%d", tt.n)
	}
}

func TestGridLayoutSingleParticipantFillsFrame(t *testing.T) {
	placements := ComputePlacements(domain.LayoutGrid, participantIDs(1), testFrame)
	require.Len(t, placements, 1)

	p := placements[0]
	assert.Equal(t, domain.ParticipantID("p1"), p.Participant)
	assert.Equal(t, 0, p.X)
	assert.Equal(t, 0, p.Y)
	assert.Equal(t, testFrame.Width, p.Width)
	assert.Equal(t, testFrame.Height, p.Height)
}

func TestGridLayoutFourParticipants(t *testing.T) {
	placements := ComputePlacements(domain.LayoutGrid, participantIDs(4), testFrame)
	require.Len(t, placements, 4)

	// 2x2 grid of 640x360 cells, filled row by row in join order.
	expected := []struct{ x, y int }{
		{0, 0}, {640, 0}, {0, 360}, {640, 360},
	}
	for i, want := range expected {
		assert.Equal(t, want.x, placements[i].X, "X of placement %d", i)
		assert.Equal(t, want.y, placements[i].Y, "Y of placement %d", i)
		assert.Equal(t, 640, placements[i].Width)
		assert.Equal(t, 360, placements[i].Height)
		assert.Equal(t, 0, placements[i].Z)
	}
}

func TestGridLayoutOverflowKeepsOldestJoiners(t *testing.T) {
	ids := participantIDs(15)
	placements := ComputePlacements(domain.LayoutGrid, ids, testFrame)
	require.Len(t, placements, 12)

	for i, p := range placements {
		assert.Equal(t, ids[i], p.Participant)
	}
}

func TestGridLayoutEmpty(t *testing.T) {
	assert.Nil(t, ComputePlacements(domain.LayoutGrid, nil, testFrame))
}

func TestSpotlightLayout(t *testing.T) {
	placements := ComputePlacements(domain.LayoutSpotlight, participantIDs(3), testFrame)
	require.Len(t, placements, 3)

	main := placements[0]
	assert.Equal(t, domain.ParticipantID("p1"), main.Participant)
	assert.Equal(t, testFrame.Width, main.Width)
	assert.Equal(t, testFrame.Height, main.Height)
	assert.Equal(t, 0, main.Z)

	// Overlays stack upward from the bottom-right corner.
	first := placements[1]
	assert.Equal(t, 1280-320-10, first.X)
	assert.Equal(t, 720-180-10, first.Y)
	assert.Equal(t, 320, first.Width)
	assert.Equal(t, 180, first.Height)
	assert.Equal(t, 1, first.Z)

	second := placements[2]
	assert.Equal(t, first.X, second.X)
	assert.Equal(t, first.Y-180-10, second.Y)
}

func TestSpotlightLayoutStopsWhenOverlaysRunOffFrame(t *testing.T) {
	placements := ComputePlacements(domain.LayoutSpotlight, participantIDs(10), testFrame)

	// 720px of height fits three 180px overlays with 10px margins.
	require.Len(t, placements, 4)
	for _, p := range placements[1:] {
		assert.GreaterOrEqual(t, p.Y, 0)
	}
}

func TestSidebarLayout(t *testing.T) {
	placements := ComputePlacements(domain.LayoutSidebar, participantIDs(3), testFrame)
	require.Len(t, placements, 3)

	main := placements[0]
	assert.Equal(t, 1280-320, main.Width)
	assert.Equal(t, 720, main.Height)

	// Two sidebar participants split the right column evenly.
	for i, p := range placements[1:] {
		assert.Equal(t, 1280-320, p.X)
		assert.Equal(t, i*360, p.Y)
		assert.Equal(t, 320, p.Width)
		assert.Equal(t, 360, p.Height)
	}
}

func TestSidebarLayoutLoneParticipantGetsFullWidth(t *testing.T) {
	placements := ComputePlacements(domain.LayoutSidebar, participantIDs(1), testFrame)
	require.Len(t, placements, 1)
	assert.Equal(t, testFrame.Width, placements[0].Width)
}

func TestUnknownLayoutFallsBackToGrid(t *testing.T) {
	got := ComputePlacements(domain.LayoutKind("mosaic"), participantIDs(2), testFrame)
	want := ComputePlacements(domain.LayoutGrid, participantIDs(2), testFrame)
	assert.Equal(t, want, got)
}
