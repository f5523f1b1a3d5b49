package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

func TestClientRoundTrip(t *testing.T) {
	s := newTestServer(t)
	hs := httptest.NewServer(s.e)
	defer hs.Close()

	ctx := context.Background()
	c := NewClient(hs.URL+"/", hs.Client())

	inst, err := c.Provision(ctx, models.CreateSpec{Name: "web1", ImageID: "ami-local", InstanceClass: "small", StorageGB: 8})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if inst.State != models.StateRunning || inst.Backend != "sim" || inst.PublicAddress == "" || inst.Version != 1 {
		t.Fatalf("provisioned: %+v", inst)
	}

	list, err := c.List(ctx)
	if err != nil || len(list) != 1 || list[0].ID != inst.ID {
		t.Fatalf("list: %v %+v", err, list)
	}

	stopped, err := c.Stop(ctx, inst.ID)
	if err != nil || stopped.State != models.StateStopped {
		t.Fatalf("stop: %v %+v", err, stopped)
	}

	_, err = c.Stop(ctx, inst.ID)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusConflict || se.Kind != "conflict" {
		t.Fatalf("second stop: expected 409 conflict, got %v", err)
	}

	drift, err := c.Refresh(ctx, inst.ID)
	if err != nil || drift.Instance.ID != inst.ID {
		t.Fatalf("refresh: %v %+v", err, drift)
	}

	orphans, err := c.Orphans(ctx, "sim")
	if err != nil || len(orphans) != 0 {
		t.Fatalf("orphans: %v %+v", err, orphans)
	}

	if err := c.Destroy(ctx, inst.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	_, err = c.Get(ctx, inst.ID)
	if !errors.As(err, &se) || se.Status != http.StatusNotFound || se.Kind != "not_found" {
		t.Fatalf("get after destroy: expected 404, got %v", err)
	}
}

func TestClientPlainTextError(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer hs.Close()

	_, err := NewClient(hs.URL, nil).List(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadGateway || se.Message != "upstream down" {
		t.Fatalf("expected plain text status error, got %v", err)
	}
}
