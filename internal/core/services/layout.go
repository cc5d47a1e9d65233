package services

import (
	"stagecast/internal/core/domain"
)

// layoutFunc maps an ordered participant list and a frame size to placement
// rectangles. Ordering is join order; each layout's tie-break rules live
// here and nowhere else.
type layoutFunc func(participants []domain.ParticipantID, frame domain.FrameSize) []domain.Placement

var layouts = map[domain.LayoutKind]layoutFunc{
	domain.LayoutGrid:      gridLayout,
	domain.LayoutSpotlight: spotlightLayout,
	domain.LayoutSidebar:   sidebarLayout,
}

// ComputePlacements resolves the layout kind and applies it. Unknown kinds
// fall back to grid.
func ComputePlacements(kind domain.LayoutKind, participants []domain.ParticipantID, frame domain.FrameSize) []domain.Placement {
	fn, ok := layouts[kind]
	if !ok {
		fn = gridLayout
	}
	return fn(participants, frame)
}

// gridDimensions returns columns and rows for a participant count.
func gridDimensions(n int) (cols, rows int) {
	switch {
	case n <= 1:
		return 1, 1
	case n == 2:
		return 2, 1
	case n <= 4:
		return 2, 2
	case n <= 6:
		return 3, 2
	case n <= 9:
		return 3, 3
	default:
		return 4, 3
	}
}

// gridLayout partitions the frame evenly. Participants beyond grid capacity
// are dropped newest-first, keeping the oldest joiners.
func gridLayout(participants []domain.ParticipantID, frame domain.FrameSize) []domain.Placement {
	if len(participants) == 0 {
		return nil
	}

	cols, rows := gridDimensions(len(participants))
	capacity := cols * rows
	if len(participants) > capacity {
		participants = participants[:capacity]
	}

	cellW := frame.Width / cols
	cellH := frame.Height / rows

	placements := make([]domain.Placement, 0, len(participants))
	for i, id := range participants {
		placements = append(placements, domain.Placement{
			Participant: id,
			X:           (i % cols) * cellW,
			Y:           (i / cols) * cellH,
			Width:       cellW,
			Height:      cellH,
			Z:           0,
		})
	}
	return placements
}

const (
	spotlightOverlayW  = 320
	spotlightOverlayH  = 180
	spotlightMargin    = 10
	sidebarColumnWidth = 320
)

// spotlightLayout renders the first joiner full-frame, remaining
// participants as fixed-size overlays stacked upward from the bottom-right
// corner.
func spotlightLayout(participants []domain.ParticipantID, frame domain.FrameSize) []domain.Placement {
	if len(participants) == 0 {
		return nil
	}

	placements := []domain.Placement{{
		Participant: participants[0],
		X:           0,
		Y:           0,
		Width:       frame.Width,
		Height:      frame.Height,
		Z:           0,
	}}

	x := frame.Width - spotlightOverlayW - spotlightMargin
	y := frame.Height - spotlightOverlayH - spotlightMargin
	for _, id := range participants[1:] {
		if y < 0 {
			break // no room for further overlays
		}
		placements = append(placements, domain.Placement{
			Participant: id,
			X:           x,
			Y:           y,
			Width:       spotlightOverlayW,
			Height:      spotlightOverlayH,
			Z:           1,
		})
		y -= spotlightOverlayH + spotlightMargin
	}
	return placements
}

// sidebarLayout gives the first joiner the majority frame width on the left
// and stacks the rest in a fixed-width right column with an even vertical
// split.
func sidebarLayout(participants []domain.ParticipantID, frame domain.FrameSize) []domain.Placement {
	if len(participants) == 0 {
		return nil
	}

	mainWidth := frame.Width - sidebarColumnWidth
	placements := []domain.Placement{{
		Participant: participants[0],
		X:           0,
		Y:           0,
		Width:       mainWidth,
		Height:      frame.Height,
		Z:           0,
	}}

	rest := participants[1:]
	if len(rest) == 0 {
		placements[0].Width = frame.Width
		return placements
	}

	cellH := frame.Height / len(rest)
	for i, id := range rest {
		placements = append(placements, domain.Placement{
			Participant: id,
			X:           mainWidth,
			Y:           i * cellH,
			Width:       sidebarColumnWidth,
			Height:      cellH,
			Z:           0,
		})
	}
	return placements
}
