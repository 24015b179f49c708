package meta_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/InsulaLabs/parley/db/meta"
	"github.com/InsulaLabs/parley/db/models"
	"github.com/InsulaLabs/parley/db/tkv"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type RepositoryTestSuite struct {
	suite.Suite
	ctx  context.Context
	kv   tkv.TKV
	repo *meta.Repository
}

func (s *RepositoryTestSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s.ctx = context.Background()

	kv, err := tkv.New(tkv.Config{
		Logger:         logger,
		BadgerLogLevel: slog.LevelError,
		Directory:      s.T().TempDir(),
	})
	require.NoError(s.T(), err)
	s.kv = kv
	s.repo = meta.New(logger.WithGroup("meta"), kv)
}

func (s *RepositoryTestSuite) TearDownTest() {
	s.kv.Close()
}

func (s *RepositoryTestSuite) TestObjectRoundTrip() {
	digest := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

	_, found, err := s.repo.FindObjectByDigest(s.ctx, digest)
	s.Require().NoError(err)
	s.False(found)

	obj := models.Object{
		Digest:    digest,
		Size:      4,
		Partition: 8,
		MediaType: "text/plain",
		Name:      "test.txt",
		OwnerID:   "alice",
	}
	s.Require().NoError(s.repo.RecordObject(s.ctx, obj))

	got, found, err := s.repo.FindObjectByDigest(s.ctx, digest)
	s.Require().NoError(err)
	s.True(found)
	s.Equal(obj.Name, got.Name)
	s.Equal(obj.Size, got.Size)
	s.False(got.UploadedAt.IsZero())
}

func (s *RepositoryTestSuite) TestRecordObjectFirstWriterWins() {
	digest := "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"

	var wg sync.WaitGroup
	for _, owner := range []string{"alice", "bob", "carol", "dave"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			err := s.repo.RecordObject(s.ctx, models.Object{Digest: digest, Size: 3, OwnerID: owner})
			s.NoError(err)
		}(owner)
	}
	wg.Wait()

	first, found, err := s.repo.FindObjectByDigest(s.ctx, digest)
	s.Require().NoError(err)
	s.Require().True(found)

	s.Require().NoError(s.repo.RecordObject(s.ctx, models.Object{Digest: digest, Size: 3, OwnerID: "mallory"}))
	again, _, err := s.repo.FindObjectByDigest(s.ctx, digest)
	s.Require().NoError(err)
	s.Equal(first.OwnerID, again.OwnerID)
	s.NotEqual("mallory", again.OwnerID)
}

func (s *RepositoryTestSuite) TestConversationMembership() {
	_, err := s.repo.CreateConversation(s.ctx, []string{"alice", "alice", " "})
	s.ErrorIs(err, meta.ErrTooFewMembers)

	conv, err := s.repo.CreateConversation(s.ctx, []string{"bob", "alice", "bob"})
	s.Require().NoError(err)
	s.Equal([]string{"alice", "bob"}, conv.Members)

	got, err := s.repo.Conversation(s.ctx, conv.ID)
	s.Require().NoError(err)
	s.True(got.HasMember("alice"))
	s.Equal([]string{"bob"}, got.Others("alice"))

	_, err = s.repo.Conversation(s.ctx, "missing")
	s.ErrorIs(err, meta.ErrNotFound)

	_, _, err = s.repo.RecordMessage(s.ctx, conv.ID, "mallory", "hi")
	s.ErrorIs(err, meta.ErrNotMember)

	_, _, err = s.repo.RecordMessage(s.ctx, conv.ID, "alice", "   ")
	s.ErrorIs(err, meta.ErrEmptyContent)
}

func (s *RepositoryTestSuite) TestCreateConversationReturnsExisting() {
	first, err := s.repo.CreateConversation(s.ctx, []string{"alice", "bob"})
	s.Require().NoError(err)

	again, err := s.repo.CreateConversation(s.ctx, []string{"bob", "alice", "alice"})
	s.Require().NoError(err)
	s.Equal(first.ID, again.ID)
	s.Equal(first.CreatedAt.Unix(), again.CreatedAt.Unix())

	group, err := s.repo.CreateConversation(s.ctx, []string{"alice", "bob", "carol"})
	s.Require().NoError(err)
	s.NotEqual(first.ID, group.ID)

	convs, err := s.repo.Conversations(s.ctx, "bob")
	s.Require().NoError(err)
	s.Len(convs, 2)
}

func (s *RepositoryTestSuite) TestCreateConversationConcurrent() {
	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := s.repo.CreateConversation(s.ctx, []string{"dave", "erin"})
			s.NoError(err)
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		s.Equal(ids[0], id)
	}
	convs, err := s.repo.Conversations(s.ctx, "dave")
	s.Require().NoError(err)
	s.Require().Len(convs, 1)
	s.Equal(ids[0], convs[0].ID)
}

func (s *RepositoryTestSuite) TestConversationsByMember() {
	first, err := s.repo.CreateConversation(s.ctx, []string{"alice", "bob"})
	s.Require().NoError(err)
	second, err := s.repo.CreateConversation(s.ctx, []string{"alice", "carol"})
	s.Require().NoError(err)

	convs, err := s.repo.Conversations(s.ctx, "alice")
	s.Require().NoError(err)
	s.Require().Len(convs, 2)
	s.Equal(first.ID, convs[0].ID)
	s.Equal(second.ID, convs[1].ID)

	convs, err = s.repo.Conversations(s.ctx, "carol")
	s.Require().NoError(err)
	s.Require().Len(convs, 1)
	s.Equal(second.ID, convs[0].ID)

	convs, err = s.repo.Conversations(s.ctx, "nobody")
	s.Require().NoError(err)
	s.Empty(convs)
}

func (s *RepositoryTestSuite) TestMessagesPagination() {
	conv, err := s.repo.CreateConversation(s.ctx, []string{"alice", "bob"})
	s.Require().NoError(err)

	var sent []models.Message
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		msg, _, err := s.repo.RecordMessage(s.ctx, conv.ID, "alice", text)
		s.Require().NoError(err)
		sent = append(sent, msg)
	}

	all, err := s.repo.Messages(s.ctx, conv.ID, "", 0)
	s.Require().NoError(err)
	s.Require().Len(all, 5)
	s.Equal("one", all[0].Content)
	s.Equal("five", all[4].Content)

	latest, err := s.repo.Messages(s.ctx, conv.ID, "", 2)
	s.Require().NoError(err)
	s.Require().Len(latest, 2)
	s.Equal("four", latest[0].Content)
	s.Equal("five", latest[1].Content)

	older, err := s.repo.Messages(s.ctx, conv.ID, sent[3].ID, 2)
	s.Require().NoError(err)
	s.Require().Len(older, 2)
	s.Equal("two", older[0].Content)
	s.Equal("three", older[1].Content)

	oldest, err := s.repo.Messages(s.ctx, conv.ID, sent[1].ID, 10)
	s.Require().NoError(err)
	s.Require().Len(oldest, 1)
	s.Equal("one", oldest[0].Content)

	none, err := s.repo.Messages(s.ctx, conv.ID, sent[0].ID, 10)
	s.Require().NoError(err)
	s.Empty(none)

	// Another conversation's history never leaks into the page.
	other, err := s.repo.CreateConversation(s.ctx, []string{"alice", "carol"})
	s.Require().NoError(err)
	_, _, err = s.repo.RecordMessage(s.ctx, other.ID, "carol", "elsewhere")
	s.Require().NoError(err)
	latest, err = s.repo.Messages(s.ctx, conv.ID, "", 1)
	s.Require().NoError(err)
	s.Require().Len(latest, 1)
	s.Equal("five", latest[0].Content)
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}
