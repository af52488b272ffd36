//go:build integration

package mongo_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/reckon/store"
	mongostore "github.com/xraph/reckon/store/mongo"
	"github.com/xraph/reckon/store/storetest"
)

// setupTestClient starts a MongoDB container and returns a connected client.
func setupTestClient(t *testing.T) *mongod.Client {
	t.Helper()
	ctx := context.Background()

	container, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		t.Fatalf("start mongo container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(dctx)
	})
	return client
}

func TestConformance(t *testing.T) {
	client := setupTestClient(t)

	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		t.Helper()
		n++
		s := mongostore.New(client.Database(fmt.Sprintf("reckon_test_%d", n)))
		if err := s.Migrate(context.Background()); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		return s
	})
}

func TestPing(t *testing.T) {
	client := setupTestClient(t)
	s := mongostore.New(client.Database("reckon_ping"))
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
