package address

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/ovoronin/foodmarket-system/internal/model"
)

type stubStore struct {
	createCalls     int
	createID        string
	createErr       error
	setDefaultCalls int
	setDefaultErr   error
	lastAddress     model.Address
}

func (s *stubStore) CreateAddress(ctx context.Context, addr model.Address) (string, error) {
	s.createCalls++
	s.lastAddress = addr
	return s.createID, s.createErr
}

func (s *stubStore) SetDefaultAddress(ctx context.Context, addressID string) error {
	s.setDefaultCalls++
	return s.setDefaultErr
}

func newTestResolver(store *stubStore) *Resolver {
	return NewResolver(store, zap.NewNop())
}

func completeAddress() model.Address {
	return model.Address{
		Line1:      "12 Market Street",
		City:       "Lagos",
		Region:     "Lagos",
		PostalCode: "100001",
		Country:    "NG",
		Phone:      "+2348012345678",
	}
}

func TestResolve_ExistingAddressNoWrite(t *testing.T) {
	store := &stubStore{}
	r := newTestResolver(store)

	id, err := r.Resolve(context.Background(), model.FulfillmentDelivery, Selection{AddressID: "addr-1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "addr-1" {
		t.Fatalf("id = %s, want addr-1", id)
	}
	if store.createCalls != 0 {
		t.Fatalf("createCalls = %d, want 0", store.createCalls)
	}
}

func TestResolve_IncompleteAddressNeverPersists(t *testing.T) {
	incomplete := completeAddress()
	incomplete.City = "  "

	store := &stubStore{createID: "addr-2"}
	r := newTestResolver(store)

	_, err := r.Resolve(context.Background(), model.FulfillmentDelivery, Selection{Address: incomplete})
	if !errors.Is(err, ErrAddressIncomplete) {
		t.Fatalf("err = %v, want ErrAddressIncomplete", err)
	}
	if store.createCalls != 0 {
		t.Fatalf("createCalls = %d, want 0", store.createCalls)
	}
}

func TestResolve_NewAddressPersisted(t *testing.T) {
	store := &stubStore{createID: "addr-3"}
	r := newTestResolver(store)

	id, err := r.Resolve(context.Background(), model.FulfillmentDelivery, Selection{Address: completeAddress()})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "addr-3" {
		t.Fatalf("id = %s, want addr-3", id)
	}
	if store.createCalls != 1 {
		t.Fatalf("createCalls = %d, want 1", store.createCalls)
	}
	if store.setDefaultCalls != 0 {
		t.Fatalf("setDefaultCalls = %d, want 0", store.setDefaultCalls)
	}
}

func TestResolve_MakeDefaultIsSequentialFollowUp(t *testing.T) {
	store := &stubStore{createID: "addr-4"}
	r := newTestResolver(store)

	id, err := r.Resolve(context.Background(), model.FulfillmentDelivery, Selection{
		Address:     completeAddress(),
		MakeDefault: true,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "addr-4" {
		t.Fatalf("id = %s, want addr-4", id)
	}
	if store.setDefaultCalls != 1 {
		t.Fatalf("setDefaultCalls = %d, want 1", store.setDefaultCalls)
	}
}

func TestResolve_SetDefaultFailureDoesNotFailResolve(t *testing.T) {
	store := &stubStore{
		createID:      "addr-5",
		setDefaultErr: errors.New("temporarily unavailable"),
	}
	r := newTestResolver(store)

	id, err := r.Resolve(context.Background(), model.FulfillmentDelivery, Selection{
		Address:     completeAddress(),
		MakeDefault: true,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "addr-5" {
		t.Fatalf("id = %s, want addr-5", id)
	}
}

func TestResolve_Pickup(t *testing.T) {
	store := &stubStore{}
	r := newTestResolver(store)

	id, err := r.Resolve(context.Background(), model.FulfillmentPickup, Selection{PickupSlot: "asap"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != model.PickupSentinel {
		t.Fatalf("id = %s, want pickup sentinel", id)
	}

	_, err = r.Resolve(context.Background(), model.FulfillmentPickup, Selection{PickupSlot: "5hours"})
	if !errors.Is(err, ErrInvalidTimeSlot) {
		t.Fatalf("err = %v, want ErrInvalidTimeSlot", err)
	}

	if store.createCalls != 0 {
		t.Fatalf("createCalls = %d, want 0", store.createCalls)
	}
}
