//go:build integration

package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"facedid/internal/did/models"
	"facedid/internal/did/registry"
	dErrors "facedid/pkg/domain-errors"
	"facedid/pkg/testutil/containers"
)

type PostgresRegistrySuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	registry *registry.Postgres
	ctx      context.Context
}

func TestPostgresRegistrySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresRegistrySuite))
}

func (s *PostgresRegistrySuite) SetupSuite() {
	s.ctx = context.Background()
	s.postgres = containers.NewPostgresContainer(s.T())
	s.registry = registry.NewPostgres(s.postgres.DB)
	s.Require().NoError(s.registry.EnsureSchema(s.ctx))
}

func (s *PostgresRegistrySuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "did_transactions", "did_records"))
}

func (s *PostgresRegistrySuite) createConfirmed(id string) *models.DIDRecord {
	_, err := s.registry.Create(s.ctx, id, "QmHash", "owner")
	s.Require().NoError(err)
	s.Require().NoError(s.registry.AttachHandle(s.ctx, id, "tx-create", time.Now().UTC()))
	record, err := s.registry.Commit(s.ctx, id, "tx-create")
	s.Require().NoError(err)
	return record
}

func (s *PostgresRegistrySuite) TestLifecycleRoundTrip() {
	record := s.createConfirmed("did:cardano:pg1")
	s.Equal(models.StateCreated, record.State)
	s.Equal("QmHash", record.FaceHash)

	_, err := s.registry.Stage(s.ctx, "did:cardano:pg1", models.ActionRegister, "")
	s.Require().NoError(err)
	s.Require().NoError(s.registry.AttachHandle(s.ctx, "did:cardano:pg1", "tx-reg", time.Now().UTC()))
	record, err = s.registry.Commit(s.ctx, "did:cardano:pg1", "tx-reg")
	s.Require().NoError(err)
	s.Equal(models.StateRegistered, record.State)

	loaded, err := s.registry.Get(s.ctx, "did:cardano:pg1")
	s.Require().NoError(err)
	s.Len(loaded.Log, 2)
	s.Equal(models.ActionCreate, loaded.Log[0].Action, "log order survives reload")
	s.True(loaded.Log[1].Confirmed)
}

func (s *PostgresRegistrySuite) TestDuplicateID() {
	_, err := s.registry.Create(s.ctx, "did:cardano:pg2", "QmHash", "owner")
	s.Require().NoError(err)

	_, err = s.registry.Create(s.ctx, "did:cardano:pg2", "QmOther", "owner")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDuplicateID))
}

func (s *PostgresRegistrySuite) TestAbandonThenRetry() {
	s.createConfirmed("did:cardano:pg3")

	_, err := s.registry.Stage(s.ctx, "did:cardano:pg3", models.ActionRegister, "")
	s.Require().NoError(err)
	s.Require().NoError(s.registry.AttachHandle(s.ctx, "did:cardano:pg3", "tx-a", time.Now().UTC()))
	s.Require().NoError(s.registry.Abandon(s.ctx, "did:cardano:pg3", "tx-a"))

	record, err := s.registry.Get(s.ctx, "did:cardano:pg3")
	s.Require().NoError(err)
	s.Equal(models.StateCreated, record.State)
	s.Equal(-1, record.PendingIndex())

	_, err = s.registry.Stage(s.ctx, "did:cardano:pg3", models.ActionRegister, "")
	s.Require().NoError(err)
}

func (s *PostgresRegistrySuite) TestCommitAbandonedReconciliation() {
	s.createConfirmed("did:cardano:pg4")
	_, err := s.registry.Stage(s.ctx, "did:cardano:pg4", models.ActionRegister, "")
	s.Require().NoError(err)
	s.Require().NoError(s.registry.AttachHandle(s.ctx, "did:cardano:pg4", "tx-late", time.Now().UTC()))
	s.Require().NoError(s.registry.Abandon(s.ctx, "did:cardano:pg4", "tx-late"))

	record, err := s.registry.CommitAbandoned(s.ctx, "did:cardano:pg4", "tx-late")
	s.Require().NoError(err)
	s.Equal(models.StateRegistered, record.State)
}

// TestConcurrentStage verifies the row lock serializes competing stages.
func (s *PostgresRegistrySuite) TestConcurrentStage() {
	s.createConfirmed("did:cardano:pg5")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.registry.Stage(s.ctx, "did:cardano:pg5", models.ActionRegister, "")
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			s.True(dErrors.HasCode(err, dErrors.CodeTransitionInFlight), "unexpected error %v", err)
		}
	}
	s.Equal(1, winners)
}

func (s *PostgresRegistrySuite) TestListPagination() {
	for _, id := range []string{"did:cardano:pga", "did:cardano:pgb", "did:cardano:pgc"} {
		_, err := s.registry.Create(s.ctx, id, "QmHash", "owner")
		s.Require().NoError(err)
	}

	page, err := s.registry.List(s.ctx, 1, 1)
	s.Require().NoError(err)
	s.Require().Len(page, 1)
	s.Equal("did:cardano:pgb", page[0].ID)
}
