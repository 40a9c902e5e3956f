package channel

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/LeoFranklin015/Median-sub000/internal/chain"
	"github.com/LeoFranklin015/Median-sub000/internal/rpc"
)

func toChainChannel(desc rpc.ChannelDescriptor) (chain.Channel, error) {
	participants := make([]common.Address, 0, len(desc.Participants))
	for _, p := range desc.Participants {
		if !common.IsHexAddress(p) {
			return chain.Channel{}, fmt.Errorf("invalid participant %q", p)
		}
		participants = append(participants, common.HexToAddress(p))
	}
	if !common.IsHexAddress(desc.Adjudicator) {
		return chain.Channel{}, fmt.Errorf("invalid adjudicator %q", desc.Adjudicator)
	}
	return chain.Channel{
		Participants: participants,
		Adjudicator:  common.HexToAddress(desc.Adjudicator),
		Challenge:    desc.Challenge,
		Nonce:        desc.Nonce,
	}, nil
}

// toChainState converts an approved state; serverSig becomes the
// counterparty signature.
func toChainState(st *rpc.ChannelState, serverSig string) (chain.State, error) {
	if st == nil {
		return chain.State{}, errors.New("approval is missing the channel state")
	}
	sig, err := rpc.ParseSignature(serverSig)
	if err != nil {
		return chain.State{}, fmt.Errorf("server signature: %w", err)
	}
	allocs := make([]chain.Allocation, 0, len(st.Allocations))
	for _, a := range st.Allocations {
		allocs = append(allocs, chain.Allocation{
			Destination: common.HexToAddress(a.Destination),
			Token:       common.HexToAddress(a.Token),
			Amount:      a.Amount.Big(),
		})
	}
	return chain.State{
		Intent:      st.Intent,
		Version:     st.Version.Big(),
		Data:        common.FromHex(st.StateData),
		Allocations: allocs,
		Sigs:        [][]byte{sig},
	}, nil
}
