package main

import (
	"math/rand"
	"testing"

	"github.com/example/go-mel-transformer/internal/config"
	"github.com/example/go-mel-transformer/internal/schedule"
)

func TestScheduleConstantsFollowsCurriculum(t *testing.T) {
	train := config.TrainConfig{
		DecoderPrenetDropout: 0.5,
		HeadDropSteps:        100,
		HeadDropCount:        2,
	}

	lr, err := schedule.New([]schedule.Point{{Step: 0, Value: 1e-4}, {Step: 1000, Value: 1e-5}})
	if err != nil {
		t.Fatal(err)
	}

	rf, err := schedule.New([]schedule.Point{{Step: 0, Value: 5}, {Step: 1000, Value: 1}})
	if err != nil {
		t.Fatal(err)
	}

	early := scheduleConstants(train, lr, rf, 50)
	if *early.LearningRate != 1e-4 || *early.Reduction != 5 || *early.HeadDrop != 2 {
		t.Fatalf("early constants = %v/%v/%v, want 1e-4/5/2", *early.LearningRate, *early.Reduction, *early.HeadDrop)
	}

	late := scheduleConstants(train, lr, rf, 2000)
	if *late.LearningRate != 1e-5 || *late.Reduction != 1 || *late.HeadDrop != 0 {
		t.Fatalf("late constants = %v/%v/%v, want 1e-5/1/0", *late.LearningRate, *late.Reduction, *late.HeadDrop)
	}

	if *late.PrenetDropout != 0.5 {
		t.Fatalf("prenet dropout = %v, want 0.5", *late.PrenetDropout)
	}
}

func TestSamplerCoversEveryIndexPerEpoch(t *testing.T) {
	s := newSampler(10, rand.New(rand.NewSource(1)))

	seen := make(map[int]bool)
	for range 5 {
		for _, idx := range s.Next(2) {
			if seen[idx] {
				t.Fatalf("index %d repeated within one epoch", idx)
			}

			seen[idx] = true
		}
	}

	if len(seen) != 10 {
		t.Fatalf("saw %d indices, want 10", len(seen))
	}
}

func TestSamplerReshufflesAtEpochBoundary(t *testing.T) {
	s := newSampler(4, rand.New(rand.NewSource(1)))

	s.Next(3)

	// Only one index remains; the next batch of 3 must come from a fresh
	// epoch rather than running off the end.
	batch := s.Next(3)
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
}

func TestFrameDurationsScalesByReduction(t *testing.T) {
	got := frameDurations([]float32{1, 0, 3}, 5)

	want := []float32{5, 0, 15}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("duration %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestTokenCountIgnoresPadding(t *testing.T) {
	if got := tokenCount([]int64{1, 5, 6, 2, 0, 0}); got != 4 {
		t.Fatalf("tokenCount = %d, want 4", got)
	}

	if got := tokenCount([]int64{1, 2}); got != 2 {
		t.Fatalf("tokenCount = %d, want 2", got)
	}
}

func TestMeanScoreAveragesAllHeads(t *testing.T) {
	got := meanScore([][]float32{{1, 3}, {5, 7}})
	if got != 4 {
		t.Fatalf("mean = %v, want 4", got)
	}
}

func TestAttentionKeyNamesLastBlock(t *testing.T) {
	if got := attentionKey(4); got != "decoder_layer4_block2" {
		t.Fatalf("key = %q", got)
	}
}
