//go:build linux

package sim

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// setRaw 将串口设置为原始模式 8N1，无回显，无流控
func setRaw(fd int, baudRate int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("TCGETS: %w", err)
	}

	speed, ok := baudRates[baudRate]
	if !ok {
		speed = unix.B115200
	}

	t.Cflag &^= unix.PARENB | unix.CSTOPB | unix.CSIZE | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL
	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ISIG
	t.Oflag &^= unix.OPOST
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("TCSETS: %w", err)
	}
	return nil
}

// OpenSerial 打开串口设备
func OpenSerial(path string, baudRate int) (f *os.File, err error) {
	f, err = os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0o666)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, f.Close())
			f = nil
		}
	}()

	// 清除非阻塞
	if err = unix.SetNonblock(int(f.Fd()), false); err != nil {
		return nil, err
	}
	if err = setRaw(int(f.Fd()), baudRate); err != nil {
		return nil, err
	}
	return f, nil
}
