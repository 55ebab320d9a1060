package cadence

import (
	"context"
	"errors"
	"testing"
	"time"
)

type knowledgeFunc func(ctx context.Context, h *History) (string, error)

func (f knowledgeFunc) Retrieve(ctx context.Context, h *History) (string, error) {
	return f(ctx, h)
}

func TestKnowledgeInjectsTransientNote(t *testing.T) {
	h := recentChannel(t, human("ada", "what do I like?", ago(time.Minute)))
	stage := NewKnowledgeStage(knowledgeFunc(func(context.Context, *History) (string, error) {
		return "ada likes jazz", nil
	}), nil)

	updates := stage.Inject(context.Background(), h)
	msgs := updates.Channel("general").NewMessages
	if len(msgs) != 1 {
		t.Fatalf("messages %+v", msgs)
	}
	note := msgs[0]
	if note.Kind != KindSystem || note.Author != "Knowledge" {
		t.Errorf("note %+v", note)
	}
	if note.Content != "Relevant knowledge: ada likes jazz" {
		t.Errorf("content %q", note.Content)
	}
	if note.Lifespan != 1 {
		t.Errorf("lifespan %d, knowledge is visible for one turn", note.Lifespan)
	}
}

func TestKnowledgeNilProvider(t *testing.T) {
	h := recentChannel(t, human("ada", "hi", ago(time.Minute)))
	stage := NewKnowledgeStage(nil, nil)
	if updates := stage.Inject(context.Background(), h); !updates.IsEmpty() {
		t.Errorf("updates %+v", updates)
	}
}

func TestKnowledgeEmptyResult(t *testing.T) {
	h := recentChannel(t, human("ada", "hi", ago(time.Minute)))
	stage := NewKnowledgeStage(knowledgeFunc(func(context.Context, *History) (string, error) {
		return "", nil
	}), nil)
	if updates := stage.Inject(context.Background(), h); !updates.IsEmpty() {
		t.Errorf("updates %+v", updates)
	}
}

func TestKnowledgeRetrievalFailureDegrades(t *testing.T) {
	h := recentChannel(t, human("ada", "hi", ago(time.Minute)))
	stage := NewKnowledgeStage(knowledgeFunc(func(context.Context, *History) (string, error) {
		return "", errors.New("store offline")
	}), nil)
	if updates := stage.Inject(context.Background(), h); !updates.IsEmpty() {
		t.Errorf("updates %+v", updates)
	}
}
