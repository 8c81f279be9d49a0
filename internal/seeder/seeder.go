package seeder

import (
	"context"
	"log"

	"github.com/vnmchuo/llm-fanout/internal/auth"
	"github.com/vnmchuo/llm-fanout/internal/quota"
)

const TestAPIKey = "test-api-key-12345"

// SeedTestUser creates a pro-plan user with a well-known API key for
// local development.
func SeedTestUser(ctx context.Context, store auth.Store) {
	user := &auth.User{Plan: quota.PlanPro, Active: true}
	if err := store.CreateUser(ctx, user); err != nil {
		log.Printf("[Seeder] test user may already exist, skipping: %v", err)
		return
	}

	if err := store.CreateKey(ctx, user.ID, auth.HashKey(TestAPIKey)); err != nil {
		log.Printf("[Seeder] failed to create test key: %v", err)
		return
	}

	log.Printf("[Seeder] Test user created successfully")
	log.Printf("[Seeder] Key: %s", TestAPIKey)
	log.Printf("[Seeder] UserID: %s (plan: %s)", user.ID, user.Plan)
}
