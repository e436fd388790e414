package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"botplatform/internal/bot/botlib"
)

type fakeStore struct {
	bot     *botlib.Bot
	version string
	file    *botlib.BotFile
}

func (f *fakeStore) GetBot(ctx context.Context, botID int64) (*botlib.Bot, error) {
	if f.bot == nil {
		return nil, errors.New("not found")
	}
	return f.bot, nil
}

func (f *fakeStore) LatestApprovedVersion(ctx context.Context, botID int64) (string, error) {
	return f.version, nil
}

func (f *fakeStore) GetBotFile(ctx context.Context, botID int64, version, fileType string) (*botlib.BotFile, error) {
	if f.file == nil {
		return nil, errors.New("not found")
	}
	return f.file, nil
}

type fakeObjects struct {
	data map[string][]byte
}

func (f *fakeObjects) Download(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.data[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

type noopStrategy struct{}

func (noopStrategy) ExecuteFullCycle(ctx context.Context, primaryTimeframe string, subscriptionConfig map[string]interface{}) (botlib.Action, error) {
	return botlib.Action{Kind: botlib.ActionHold, Confidence: 0}, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestLoadStrategy_Success(t *testing.T) {
	artifact := []byte("strategy bytecode")
	store := &fakeStore{
		bot:     &botlib.Bot{ID: 1, Status: botlib.BotApproved},
		version: "v1",
		file:    &botlib.BotFile{BotID: 1, Version: "v1", ObjectKey: "bots/1/code/v1/strategy", SHA256: sha256Hex(artifact)},
	}
	objects := &fakeObjects{data: map[string][]byte{"bots/1/code/v1/strategy": artifact}}
	registry := NewRegistry()
	registry.Register(1, "v1", func(artifact []byte, cfg map[string]interface{}, creds *botlib.ExchangeCredentials) (Strategy, error) {
		return noopStrategy{}, nil
	})

	l := New(store, objects, registry)
	strategy, err := l.LoadStrategy(context.Background(), 1, "", nil, nil)
	assert.NoError(t, err)
	assert.NotNil(t, strategy)
}

func TestLoadStrategy_UnapprovedBotFails(t *testing.T) {
	store := &fakeStore{bot: &botlib.Bot{ID: 1, Status: botlib.BotPending}}
	l := New(store, &fakeObjects{}, NewRegistry())
	_, err := l.LoadStrategy(context.Background(), 1, "v1", nil, nil)
	assert.ErrorIs(t, err, botlib.ErrStrategyLoad)
}

func TestLoadStrategy_HashMismatchFails(t *testing.T) {
	artifact := []byte("strategy bytecode")
	store := &fakeStore{
		bot:  &botlib.Bot{ID: 1, Status: botlib.BotApproved},
		file: &botlib.BotFile{BotID: 1, Version: "v1", ObjectKey: "bots/1/code/v1/strategy", SHA256: "deadbeef"},
	}
	objects := &fakeObjects{data: map[string][]byte{"bots/1/code/v1/strategy": artifact}}
	l := New(store, objects, NewRegistry())
	_, err := l.LoadStrategy(context.Background(), 1, "v1", nil, nil)
	assert.ErrorIs(t, err, botlib.ErrStrategyLoad)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestLoadStrategy_MissingFactoryFails(t *testing.T) {
	artifact := []byte("strategy bytecode")
	store := &fakeStore{
		bot:  &botlib.Bot{ID: 1, Status: botlib.BotApproved},
		file: &botlib.BotFile{BotID: 1, Version: "v1", ObjectKey: "bots/1/code/v1/strategy", SHA256: sha256Hex(artifact)},
	}
	objects := &fakeObjects{data: map[string][]byte{"bots/1/code/v1/strategy": artifact}}
	l := New(store, objects, NewRegistry())
	_, err := l.LoadStrategy(context.Background(), 1, "v1", nil, nil)
	assert.ErrorIs(t, err, botlib.ErrStrategyLoad)
	assert.Contains(t, err.Error(), "no registered strategy factory")
}
