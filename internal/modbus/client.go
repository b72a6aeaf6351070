package modbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
)

var ErrNotConnected = errors.New("client not connected")

// RegisterKind selects the Modbus table a register lives in.
type RegisterKind string

const (
	InputRegister   RegisterKind = "input"
	HoldingRegister RegisterKind = "holding"
)

// ValueType is the encoding of a register value.
type ValueType string

const (
	U16 ValueType = "u16"
	S16 ValueType = "s16"
	U32 ValueType = "u32"
	S32 ValueType = "s32"
)

// Words returns the number of 16-bit registers a value occupies.
func (t ValueType) Words() uint16 {
	switch t {
	case U32, S32:
		return 2
	default:
		return 1
	}
}

type Client struct {
	client  *modbus.ModbusClient
	mu      sync.Mutex
	host    string
	port    int
	unitID  uint8
	timeout time.Duration
}

func NewClient(host string, port int, unitID uint8, timeout time.Duration) *Client {
	return &Client{
		host:    host,
		port:    port,
		unitID:  unitID,
		timeout: timeout,
	}
}

func (c *Client) Address() string {
	return fmt.Sprintf("tcp://%s:%d", c.host, c.port)
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     c.Address(),
		Timeout: c.timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create modbus client: %w", err)
	}

	if err := client.Open(); err != nil {
		return fmt.Errorf("failed to connect to inverter: %w", err)
	}

	if err := client.SetUnitId(c.unitID); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to set unit id: %w", err)
	}
	c.client = client

	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *Client) Reconnect() error {
	_ = c.Close()
	return c.Connect()
}

// ReadRegisters reads quantity raw registers from the given table.
func (c *Client) ReadRegisters(kind RegisterKind, address, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, ErrNotConnected
	}

	regType := modbus.INPUT_REGISTER
	if kind == HoldingRegister {
		regType = modbus.HOLDING_REGISTER
	}

	regs, err := c.client.ReadRegisters(address, quantity, regType)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s registers at %d: %w", kind, address, err)
	}
	if len(regs) < int(quantity) {
		return nil, fmt.Errorf("short read at %d: got %d of %d registers", address, len(regs), quantity)
	}

	return regs, nil
}

// ReadValue reads one typed value and returns it unscaled.
func (c *Client) ReadValue(kind RegisterKind, typ ValueType, address uint16) (float64, error) {
	regs, err := c.ReadRegisters(kind, address, typ.Words())
	if err != nil {
		return 0, err
	}
	return Decode(typ, regs), nil
}

func (c *Client) ReadString(kind RegisterKind, address, length uint16) (string, error) {
	regs, err := c.ReadRegisters(kind, address, length)
	if err != nil {
		return "", err
	}
	return DecodeString(regs), nil
}

// Decode interprets regs as typ. 32-bit values are low word first.
func Decode(typ ValueType, regs []uint16) float64 {
	if len(regs) == 0 {
		return 0
	}
	switch typ {
	case S16:
		return float64(int16(regs[0]))
	case U32, S32:
		var v uint32
		if len(regs) > 1 {
			v = uint32(regs[0]) | uint32(regs[1])<<16
		} else {
			v = uint32(regs[0])
		}
		if typ == S32 {
			return float64(int32(v))
		}
		return float64(v)
	default:
		return float64(regs[0])
	}
}

// DecodeString unpacks two bytes per register, high byte first, and drops
// trailing NULs.
func DecodeString(regs []uint16) string {
	b := make([]byte, 0, len(regs)*2)
	for _, reg := range regs {
		b = append(b, byte(reg>>8), byte(reg&0xFF))
	}
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}
