package guard

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"increaseAllowance","inputs":[{"name":"spender","type":"address"},{"name":"addedValue","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var parsedERC20 = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

var errUnknownSelector = errors.New("unknown selector")

// Call is a decoded ERC-20 call. Counterparty is the recipient for
// transfers and the spender for approvals.
type Call struct {
	Method       string
	Token        common.Address
	Holder       common.Address // transferFrom only
	Counterparty common.Address
	Amount       *big.Int
}

func (c *Call) IsApproval() bool {
	return c.Method == "approve" || c.Method == "increaseAllowance"
}

func (c *Call) IsTransfer() bool {
	return c.Method == "transfer" || c.Method == "transferFrom"
}

// DecodeCall decodes data sent to token. It returns errUnknownSelector for
// calldata that is not one of the inspected ERC-20 methods.
func DecodeCall(token common.Address, data []byte) (*Call, error) {
	if len(data) < 4 {
		return nil, errUnknownSelector
	}
	method, err := parsedERC20.MethodById(data[:4])
	if err != nil {
		return nil, errUnknownSelector
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method.Name, err)
	}
	call := &Call{Method: method.Name, Token: token}
	var ok bool
	switch method.Name {
	case "transferFrom":
		if len(args) != 3 {
			return nil, fmt.Errorf("decode %s: want 3 args, got %d", method.Name, len(args))
		}
		if call.Holder, ok = args[0].(common.Address); !ok {
			return nil, fmt.Errorf("decode %s: bad from", method.Name)
		}
		args = args[1:]
	default:
		if len(args) != 2 {
			return nil, fmt.Errorf("decode %s: want 2 args, got %d", method.Name, len(args))
		}
	}
	if call.Counterparty, ok = args[0].(common.Address); !ok {
		return nil, fmt.Errorf("decode %s: bad address argument", method.Name)
	}
	if call.Amount, ok = args[1].(*big.Int); !ok {
		return nil, fmt.Errorf("decode %s: bad amount argument", method.Name)
	}
	return call, nil
}

// PackCall encodes an ERC-20 call for the given method.
func PackCall(method string, args ...any) ([]byte, error) {
	return parsedERC20.Pack(method, args...)
}
