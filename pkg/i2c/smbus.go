package i2c

import (
	"fmt"

	"github.com/openbouffalo/bl808-hal/pkg/driver"
	pi2c "github.com/platinasystems/i2c"
)

// Client is one slave on an adapter. Its ReadWrite has the shape of the
// SMBus accessor device drivers already use.
type Client struct {
	Adapter *Adapter
	Address uint16
	Flags   pi2c.MessageFlags // TenBit or zero
}

// Client returns the slave at addr
func (a *Adapter) Client(addr uint16) *Client {
	c := &Client{Adapter: a, Address: addr}
	if addr > 0x7f {
		c.Flags = pi2c.TenBit
	}
	return c
}

// ReadWrite runs one SMBus transaction
func (c *Client) ReadWrite(rw pi2c.RW, command uint8, size pi2c.SMBusSize, data *pi2c.SMBusData) error {
	return c.Adapter.SMBus(c.Address, c.Flags, rw, command, size, data)
}

// SMBus emulates an SMBus transaction with I2C messages. data[0] holds the
// byte, the low byte of a word or the length of a block, whose bytes
// follow it.
func (a *Adapter) SMBus(addr uint16, flags pi2c.MessageFlags, rw pi2c.RW, command uint8, size pi2c.SMBusSize, data *pi2c.SMBusData) error {
	flags &= pi2c.TenBit
	write := func(b ...byte) pi2c.Message {
		return pi2c.Message{Address: addr, Flags: flags, Data: b}
	}
	read := func(b []byte) pi2c.Message {
		return pi2c.Message{Address: addr, Flags: flags | pi2c.ReadData, Data: b}
	}
	unsupported := func() error {
		return driver.NewError(driver.StatusNotSupported,
			fmt.Sprintf("%s: smbus size %d", a.dev, size))
	}
	if data == nil && size != pi2c.Quick && !(size == pi2c.Byte && rw == pi2c.Write) {
		return driver.NewError(driver.StatusInvalidArgument, a.dev+": smbus without data")
	}

	var msgs []pi2c.Message
	switch size {
	case pi2c.Byte:
		if rw == pi2c.Read {
			msgs = append(msgs, read(data[:1]))
		} else {
			msgs = append(msgs, write(command))
		}
	case pi2c.ByteData:
		if rw == pi2c.Read {
			msgs = append(msgs, write(command), read(data[:1]))
		} else {
			msgs = append(msgs, write(command, data[0]))
		}
	case pi2c.WordData:
		if rw == pi2c.Read {
			msgs = append(msgs, write(command), read(data[:2]))
		} else {
			msgs = append(msgs, write(command, data[0], data[1]))
		}
	case pi2c.ProcCall:
		msgs = append(msgs, write(command, data[0], data[1]), read(data[:2]))
	case pi2c.BlockData:
		if rw == pi2c.Read {
			return unsupported()
		}
		n, err := blockLen(a.dev, data)
		if err != nil {
			return err
		}
		b := append([]byte{command}, data[:n+1]...)
		msgs = append(msgs, write(b...))
	case pi2c.I2CBlockData:
		n, err := blockLen(a.dev, data)
		if err != nil {
			return err
		}
		if rw == pi2c.Read {
			msgs = append(msgs, write(command), read(data[1:n+1]))
		} else {
			b := append([]byte{command}, data[1:n+1]...)
			msgs = append(msgs, write(b...))
		}
	default:
		return unsupported()
	}

	_, err := a.Transfer(msgs)
	return err
}

func blockLen(dev string, data *pi2c.SMBusData) (int, error) {
	n := int(data[0])
	if n == 0 || n > pi2c.BlockMax {
		return 0, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%s: smbus block length %d", dev, n))
	}
	return n, nil
}
