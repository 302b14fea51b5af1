// Package proto implements the chat wire format: a stream of frames, each a
// 4-byte big-endian header (message id, body length) followed by the body.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the fixed frame header size: u16 message id + u16 body length.
const HeaderLen = 4

// MaxBodyLen caps the frame body. A header announcing more is a protocol
// violation and closes the connection.
const MaxBodyLen = 8192

// ErrFrameTooBig reports a header whose length field exceeds MaxBodyLen.
var ErrFrameTooBig = errors.New("proto: frame body exceeds maximum length")

// Message ids carried in the frame header.
const (
	IDLoginReq            uint16 = 1005
	IDLoginRsp            uint16 = 1006
	IDSearchUserReq       uint16 = 1007
	IDSearchUserRsp       uint16 = 1008
	IDAddFriendReq        uint16 = 1009
	IDAddFriendRsp        uint16 = 1010
	IDNotifyAddFriendReq  uint16 = 1011
	IDAuthFriendReq       uint16 = 1013
	IDAuthFriendRsp       uint16 = 1014
	IDNotifyAuthFriendReq uint16 = 1015
	IDTextChatMsgReq      uint16 = 1017
	IDTextChatMsgRsp      uint16 = 1018
	IDNotifyTextChatMsg   uint16 = 1019
	IDNotifyOffline       uint16 = 1020
	IDHeartBeatReq        uint16 = 1021
	IDHeartBeatRsp        uint16 = 1022
)

// Frame is one length-prefixed message unit on the chat TCP stream.
type Frame struct {
	ID   uint16
	Body []byte
}

// Encode returns the wire bytes for the frame.
func (f Frame) Encode() ([]byte, error) {
	return AppendFrame(nil, f.ID, f.Body)
}

// AppendFrame appends the encoded frame to dst and returns the extended
// slice. Fails if the body exceeds MaxBodyLen.
func AppendFrame(dst []byte, id uint16, body []byte) ([]byte, error) {
	if len(body) > MaxBodyLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooBig, len(body))
	}
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], id)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(body)))
	dst = append(dst, hdr[:]...)
	return append(dst, body...), nil
}

// ReadHeader reads and parses the 4-byte frame header.
//
// EOF errors are returned directly (not wrapped) to let callers detect a
// normal client disconnect. The length field is validated here so that an
// oversize frame is rejected before any body byte is read.
func ReadHeader(r io.Reader) (id uint16, length uint16, err error) {
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, err
	}

	id = binary.BigEndian.Uint16(buf[0:2])
	length = binary.BigEndian.Uint16(buf[2:4])
	if length > MaxBodyLen {
		return id, length, fmt.Errorf("%w: header announces %d bytes", ErrFrameTooBig, length)
	}
	return id, length, nil
}

// ReadFrame reads one complete frame from the reader. io.ReadFull absorbs
// arbitrary TCP segmentation, so a body split between every byte pair still
// yields exactly one frame.
func ReadFrame(r io.Reader) (Frame, error) {
	id, length, err := ReadHeader(r)
	if err != nil {
		return Frame{}, err
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("proto: read body: %w", err)
	}

	return Frame{ID: id, Body: body}, nil
}
