package account

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"
)

// Generate creates count accounts. With a non-empty seed keys are derived
// deterministically as keccak256(seed || index), so repeated runs reuse the
// same addresses; otherwise keys are random.
func Generate(count int, seed string) ([]*Account, error) {
	accounts := make([]*Account, count)

	numWorkers := min(runtime.GOMAXPROCS(0), 16)
	var g errgroup.Group
	g.SetLimit(numWorkers)

	for i := range count {
		g.Go(func() error {
			acc, err := generateOne(i, seed)
			if err != nil {
				return fmt.Errorf("key %d: %w", i, err)
			}
			accounts[i] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func generateOne(index int, seed string) (*Account, error) {
	if seed == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		return NewAccount(key), nil
	}

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index))
	// A keccak output is a valid secp256k1 scalar with overwhelming
	// probability; ToECDSA rejects the rest.
	key, err := crypto.ToECDSA(crypto.Keccak256([]byte(seed), idx[:]))
	if err != nil {
		return nil, err
	}
	return NewAccount(key), nil
}
