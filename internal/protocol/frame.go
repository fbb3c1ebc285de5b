package protocol

import (
	"encoding/binary"
	"fmt"
)

// 帧格式常量（BMS通用协议，硬件固化）
const (
	StartByte   byte = 0xDD
	StopByte    byte = 0x77
	StatusRead  byte = 0xA5
	StatusWrite byte = 0x5A
	StatusOK    byte = 0x00

	CmdBasicInfo    byte = 0x03
	CmdCellVoltages byte = 0x04
	CmdVersion      byte = 0x05

	// HeaderSize 帧头：起始符+状态/命令+命令/状态+长度
	HeaderSize = 4
	// MinFrameSize 空载荷帧长度：帧头+2字节校验+结束符
	MinFrameSize = HeaderSize + 3
	// MaxPayloadSize 长度字段为单字节
	MaxPayloadSize = 0xFF

	checksumMask = 0xFFFF
)

// Response 解码后的应答帧
type Response struct {
	Command byte
	Status  byte
	Payload []byte
}

// Request 解码后的请求帧（设备侧使用）
type Request struct {
	Command byte
	Write   bool
	Payload []byte
}

// Checksum 计算帧校验：(~(cmd+len+sum(payload)) + 1) & 0xFFFF
func Checksum(cmd, length byte, payload []byte) uint16 {
	sum := uint16(cmd) + uint16(length)
	for _, b := range payload {
		sum += uint16(b)
	}
	return (^sum + 1) & checksumMask
}

// EncodeRequest 构建主机请求帧
//
//	[DD][A5|5A][CMD][LEN][DATA...][CHK_H][CHK_L][77]
func EncodeRequest(cmd byte, write bool, payload []byte) ([]byte, error) {
	status := StatusRead
	if write {
		status = StatusWrite
	}
	return encode(status, cmd, cmd, payload)
}

// EncodeResponse 构建设备应答帧，供模拟器和测试使用
//
//	[DD][CMD][STATUS][LEN][DATA...][CHK_H][CHK_L][77]
func EncodeResponse(cmd, status byte, payload []byte) ([]byte, error) {
	return encode(cmd, status, cmd, payload)
}

// encode b1/b2为帧头第2、3字节，校验始终基于命令码
func encode(b1, b2, cmd byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("载荷长度%d超过最大值%d", len(payload), MaxPayloadSize)
	}

	length := byte(len(payload))
	frame := make([]byte, 0, MinFrameSize+len(payload))
	frame = append(frame, StartByte, b1, b2, length)
	frame = append(frame, payload...)
	frame = binary.BigEndian.AppendUint16(frame, Checksum(cmd, length, payload))
	frame = append(frame, StopByte)
	return frame, nil
}

// DecodeResponse 解析并校验设备应答帧，校验通过前不信任任何字段
func DecodeResponse(frame []byte) (*Response, error) {
	cmd, status, payload, err := decode(frame, true)
	if err != nil {
		return nil, err
	}
	return &Response{Command: cmd, Status: status, Payload: payload}, nil
}

// DecodeRequest 解析主机请求帧（设备侧）
func DecodeRequest(frame []byte) (*Request, error) {
	cmd, status, payload, err := decode(frame, false)
	if err != nil {
		return nil, err
	}
	if status != StatusRead && status != StatusWrite {
		return nil, newFrameError(ErrMalformed, "未知读写标志0x%02X", status)
	}
	return &Request{Command: cmd, Write: status == StatusWrite, Payload: payload}, nil
}

// decode 返回命令码、另一个帧头字节与载荷副本；应答帧命令码在前，请求帧在后
func decode(frame []byte, cmdFirst bool) (cmd, other byte, payload []byte, err error) {
	if len(frame) < MinFrameSize {
		if len(frame) >= HeaderSize && frame[0] == StartByte {
			return 0, 0, nil, newFrameError(ErrTruncated, "帧长度%d小于最小长度%d", len(frame), MinFrameSize)
		}
		return 0, 0, nil, newFrameError(ErrMalformed, "帧长度%d小于最小长度%d", len(frame), MinFrameSize)
	}
	if frame[0] != StartByte {
		return 0, 0, nil, newFrameError(ErrMalformed, "起始符错误: 0x%02X", frame[0])
	}

	length := frame[3]
	expected := MinFrameSize + int(length)
	if len(frame) < expected {
		return 0, 0, nil, newFrameError(ErrTruncated, "声明长度%d，实际可用%d字节", length, len(frame)-MinFrameSize)
	}
	frame = frame[:expected]
	if frame[expected-1] != StopByte {
		return 0, 0, nil, newFrameError(ErrMalformed, "结束符错误: 0x%02X", frame[expected-1])
	}

	cmd, other = frame[1], frame[2]
	if !cmdFirst {
		cmd, other = other, cmd
	}
	data := frame[HeaderSize : HeaderSize+int(length)]

	received := binary.BigEndian.Uint16(frame[expected-3 : expected-1])
	if actual := Checksum(cmd, length, data); actual != received {
		return 0, 0, nil, newFrameError(ErrChecksumMismatch, "收到0x%04X，计算0x%04X", received, actual)
	}

	payload = append([]byte(nil), data...)
	return cmd, other, payload, nil
}
