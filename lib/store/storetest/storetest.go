// Package storetest is a conformance suite every store backend must pass.
package storetest

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skysprint/scorerelay/lib/store"
)

func Common(t *testing.T, f store.Factory, config json.RawMessage) {
	if err := f.Valid(config); err != nil {
		t.Fatal(err)
	}

	s, err := f.Build(t.Context(), config)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		doer func(t *testing.T, s store.Interface) error
		err  error
	}{
		{
			name: "basic get set delete",
			doer: func(t *testing.T, s store.Interface) error {
				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 5*time.Minute); err != nil {
					return err
				}

				val, err := s.Get(t.Context(), t.Name())
				if errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to exist in store but it does not: %v", t.Name(), err)
				} else if err != nil {
					t.Error(err)
				}

				if !bytes.Equal(val, []byte(t.Name())) {
					t.Logf("want: %q", t.Name())
					t.Logf("got:  %q", string(val))
					t.Error("wrong value returned")
				}

				if err := s.Delete(t.Context(), t.Name()); err != nil {
					return err
				}

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Error("wanted test to not exist in store but it exists anyways")
				}

				if err := s.Delete(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("key %q does not exist and Delete did not return ErrNotFound: %v", t.Name(), err)
				}

				return nil
			},
		},
		{
			name: "set replaces",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte("old"), 5*time.Minute); err != nil {
					return err
				}

				if err := s.Set(t.Context(), t.Name(), []byte("new"), 5*time.Minute); err != nil {
					return err
				}

				val, err := s.Get(t.Context(), t.Name())
				if err != nil {
					return err
				}

				if !bytes.Equal(val, []byte("new")) {
					t.Errorf("wanted replaced value %q, got: %q", "new", string(val))
				}

				return s.Delete(t.Context(), t.Name())
			},
		},
		{
			name: "only one concurrent delete wins",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 5*time.Minute); err != nil {
					return err
				}

				var (
					wg   sync.WaitGroup
					wins atomic.Int32
				)
				for range 8 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if err := s.Delete(t.Context(), t.Name()); err == nil {
							wins.Add(1)
						}
					}()
				}
				wg.Wait()

				if n := wins.Load(); n != 1 {
					t.Errorf("wanted exactly one successful delete, got %d", n)
				}

				return nil
			},
		},
		{
			name: "delete if only removes the expected value",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.DeleteIf(t.Context(), t.Name(), []byte("old")); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("DeleteIf on a missing key did not return ErrNotFound: %v", err)
				}

				if err := s.Set(t.Context(), t.Name(), []byte("old"), 5*time.Minute); err != nil {
					return err
				}

				if err := s.Set(t.Context(), t.Name(), []byte("new"), 5*time.Minute); err != nil {
					return err
				}

				if err := s.DeleteIf(t.Context(), t.Name(), []byte("old")); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("DeleteIf with a replaced value did not return ErrNotFound: %v", err)
				}

				val, err := s.Get(t.Context(), t.Name())
				if err != nil {
					t.Fatalf("replacement value was removed: %v", err)
				}

				if !bytes.Equal(val, []byte("new")) {
					t.Errorf("wanted %q to survive, got: %q", "new", string(val))
				}

				var (
					wg   sync.WaitGroup
					wins atomic.Int32
				)
				for range 8 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if err := s.DeleteIf(t.Context(), t.Name(), []byte("new")); err == nil {
							wins.Add(1)
						}
					}()
				}
				wg.Wait()

				if n := wins.Load(); n != 1 {
					t.Errorf("wanted exactly one successful DeleteIf, got %d", n)
				}

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to be gone after DeleteIf, got: %v", t.Name(), err)
				}

				return nil
			},
		},
		{
			name: "expires",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 150*time.Millisecond); err != nil {
					return err
				}

				//nosleep:bypass use Go's time faking thing when every backend supports it.
				time.Sleep(200 * time.Millisecond)

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				return nil
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.doer(t, s); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}
