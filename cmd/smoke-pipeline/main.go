// Command smoke-pipeline drives one document through every lifecycle stage
// against a migrated Postgres database and checks the terminal state.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"docflow.org/internal/config"
	"docflow.org/internal/ids"
	"docflow.org/internal/lifecycle"
	"docflow.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if cfg.Database.DSN == "" {
		log.Fatal("DOCFLOW_PG_DSN is required")
	}
	store, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{MaxOpen: 4, MaxIdle: 4})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run := ids.New()
	owner := "smoke-owner-" + run
	admin := lifecycle.Actor{ID: "smoke-admin-" + run, Name: "Smoke Admin " + run}
	head := lifecycle.Actor{ID: "smoke-head-" + run, Name: "Smoke Head"}
	recorder := lifecycle.Actor{ID: "smoke-recorder-" + run, Name: "Smoke Recorder"}
	dept := lifecycle.Actor{ID: "smoke-dept-" + run, Name: "Smoke Department"}

	sub, err := store.Submit(ctx, lifecycle.NewSubmission{OwnerID: owner, Kind: "memo", Payload: []byte("draft")})
	must("submit", err)
	_, err = store.SendForRevision(ctx, sub.ID, admin, "smoke revision")
	must("send for revision", err)
	got, err := store.GetSubmission(ctx, sub.ID)
	must("get submission", err)
	if got.Status != lifecycle.DisplayRevision {
		log.Fatalf("expected %q after revision, got %q", lifecycle.DisplayRevision, got.Status)
	}
	_, err = store.Resubmit(ctx, sub.ID, []byte("final"))
	must("resubmit", err)

	_, err = store.Approve(ctx, sub.ID, admin)
	must("approve", err)
	_, err = store.Forward(ctx, sub.ID, head)
	must("forward", err)
	rec, err := store.Record(ctx, sub.ID, recorder, lifecycle.RecordRecorded, "smoke")
	must("record", err)

	rels, err := store.Release(ctx, rec.ID, "normal", []lifecycle.Target{
		{Department: "Smoke A", Division: "One"},
		{Department: "Smoke B", Division: "Two"},
	})
	must("release", err)
	if len(rels) != 2 {
		log.Fatalf("expected 2 releases, got %d", len(rels))
	}

	_, err = store.MarkDone(ctx, rels[0].ID)
	must("mark done", err)
	_, err = store.Respond(ctx, rels[0].ID, dept, lifecycle.ResponseActioned, "ok", nil)
	must("respond", err)
	if _, err := store.Respond(ctx, rels[1].ID, dept, lifecycle.ResponseActioned, "", nil); !errors.Is(err, lifecycle.ErrPreconditionFailed) {
		log.Fatalf("respond before done: expected precondition failure, got %v", err)
	}

	must("mark override", store.MarkOverride(ctx, admin.ID, admin.Name))
	ap, err := store.GetApproval(ctx, sub.ID)
	must("get approval", err)
	if ap.Status != lifecycle.ApprovalReleased || !ap.Override {
		log.Fatalf("unexpected approval state: status=%s override=%v", ap.Status, ap.Override)
	}

	fmt.Printf("docflow smoke test passed: submission=%s releases=%s,%s\n", sub.ID, rels[0].ID, rels[1].ID)
}

func must(step string, err error) {
	if err != nil {
		log.Fatalf("%s: %v", step, err)
	}
}
