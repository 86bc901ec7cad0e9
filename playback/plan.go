package playback

import (
	"time"

	"github.com/marcus-crane/tunetogether/models"
)

type CommandKind string

const (
	CommandPlay   CommandKind = "play"
	CommandSeek   CommandKind = "seek"
	CommandPause  CommandKind = "pause"
	CommandResume CommandKind = "resume"
)

type Command struct {
	Kind       CommandKind
	TrackID    string
	PositionMs int64
}

// Plan works out what a guest's player has to do to match the host. Both
// states must already be extrapolated to the same instant. Drift up to
// threshold is left alone.
func Plan(local, remote models.PlaybackState, threshold time.Duration) []Command {
	if remote.TrackID == "" {
		return nil
	}
	var cmds []Command
	playing := local.Playing

	switch {
	case local.TrackID != remote.TrackID:
		cmds = append(cmds, Command{Kind: CommandPlay, TrackID: remote.TrackID, PositionMs: remote.PositionMs})
		playing = true
	case drift(local.PositionMs, remote.PositionMs) > threshold.Milliseconds():
		cmds = append(cmds, Command{Kind: CommandSeek, PositionMs: remote.PositionMs})
	}

	switch {
	case remote.Playing && !playing:
		cmds = append(cmds, Command{Kind: CommandResume})
	case !remote.Playing && playing:
		cmds = append(cmds, Command{Kind: CommandPause})
	}
	return cmds
}

func drift(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
