package audio

import (
	"context"
	"slices"
	"testing"
	"time"
)

func TestCommandOutput_Argv(t *testing.T) {
	t.Parallel()

	o, err := NewCommandOutput([]string{"player", "--start={offset}", "{file}"})
	if err != nil {
		t.Fatal(err)
	}
	got := o.argv("/tmp/a.mp3", 1500*time.Millisecond)
	want := []string{"player", "--start=1.500", "/tmp/a.mp3"}
	if !slices.Equal(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
	if !SeeksNatively(o) {
		t.Error("template with {offset} should seek natively")
	}
}

func TestCommandOutput_NoOffsetPlaceholder(t *testing.T) {
	t.Parallel()

	o, err := NewCommandOutput([]string{"afplay", "{file}"})
	if err != nil {
		t.Fatal(err)
	}
	if SeeksNatively(o) {
		t.Error("template without {offset} should not seek natively")
	}
}

func TestNewCommandOutput_Invalid(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{{""}, {"player", "--no-file"}} {
		if _, err := NewCommandOutput(args); err == nil {
			t.Errorf("NewCommandOutput(%q) = nil error", args)
		}
	}
}

func TestNewCommandOutput_Default(t *testing.T) {
	t.Parallel()

	o, err := NewCommandOutput(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(o.Args, DefaultCommand()) {
		t.Errorf("Args = %v, want default", o.Args)
	}
}

func TestCommandOutput_StartMissingBinary(t *testing.T) {
	t.Parallel()

	o, _ := NewCommandOutput([]string{"speakd-no-such-player-binary", "{file}"})
	if _, err := o.Start(context.Background(), "/nonexistent", 0); err == nil {
		t.Error("Start with missing binary should fail")
	}
}
