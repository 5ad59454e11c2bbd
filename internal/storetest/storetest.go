// Package storetest holds a conformance test shared by credstore backends.
package storetest

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"lds.li/tribeclient/credstore"
)

// TestBackend runs the common backend behaviour against b. b should start
// empty.
func TestBackend(t *testing.T, b credstore.Backend) {
	t.Helper()

	full := &credstore.Credentials{
		AccessToken:  "A1",
		RefreshToken: "R1",
		UserID:       "7",
		Expiry:       time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	for _, tc := range []struct {
		name string
		run  func(b credstore.Backend) (*credstore.Credentials, error)
		want *credstore.Credentials
	}{
		{
			name: "empty",
			run: func(b credstore.Backend) (*credstore.Credentials, error) {
				return b.Load()
			},
			want: nil,
		},
		{
			name: "happy path",
			run: func(b credstore.Backend) (*credstore.Credentials, error) {
				if err := b.Save(full); err != nil {
					return nil, err
				}
				return b.Load()
			},
			want: full,
		},
		{
			name: "save replaces",
			run: func(b credstore.Backend) (*credstore.Credentials, error) {
				if err := b.Save(full); err != nil {
					return nil, err
				}
				if err := b.Save(&credstore.Credentials{AccessToken: "A2", RefreshToken: "R2", UserID: "8"}); err != nil {
					return nil, err
				}
				return b.Load()
			},
			want: &credstore.Credentials{AccessToken: "A2", RefreshToken: "R2", UserID: "8"},
		},
		{
			name: "incomplete loads as nothing",
			run: func(b credstore.Backend) (*credstore.Credentials, error) {
				if err := b.Save(&credstore.Credentials{AccessToken: "A1", UserID: "7"}); err != nil {
					return nil, err
				}
				return b.Load()
			},
			want: nil,
		},
		{
			name: "delete",
			run: func(b credstore.Backend) (*credstore.Credentials, error) {
				if err := b.Save(full); err != nil {
					return nil, err
				}
				if err := b.Delete(); err != nil {
					return nil, err
				}
				// deleting twice is fine
				if err := b.Delete(); err != nil {
					return nil, err
				}
				return b.Load()
			},
			want: nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Cleanup(func() {
				if err := b.Delete(); err != nil {
					t.Fatalf("cleanup: %v", err)
				}
			})

			got, err := tc.run(b)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("unexpected credentials (-want +got):\n%s", diff)
			}
		})
	}
}
