package server

import (
	"context"
	"fmt"

	"wcf-bridge/codec"
	"wcf-bridge/message"
	"wcf-bridge/middleware"
	"wcf-bridge/protocol"
)

type codecKey struct{}

func withCodec(ctx context.Context, c codec.Codec) context.Context {
	return context.WithValue(ctx, codecKey{}, c)
}

// CodecFrom returns the codec of the request being handled.
func CodecFrom(ctx context.Context) codec.Codec {
	if c, ok := ctx.Value(codecKey{}).(codec.Codec); ok {
		return c
	}
	return &codec.JSONCodec{}
}

// Reply encodes v as an OK response with the request's codec.
func Reply(ctx context.Context, v any) (*message.Response, error) {
	c := CodecFrom(ctx)
	if v == nil {
		return &message.Response{Status: protocol.StatusOK, CodecType: byte(c.Type())}, nil
	}
	payload, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	return &message.Response{Status: protocol.StatusOK, CodecType: byte(c.Type()), Payload: payload}, nil
}

// Empty is the GET_MSG reply when the poll timed out.
func Empty(ctx context.Context) *message.Response {
	return &message.Response{Status: protocol.StatusEmpty, CodecType: byte(CodecFrom(ctx).Type())}
}

// Typed adapts fn into an opcode handler: the request payload is decoded into A
// and fn's result is encoded as the reply.
func Typed[A any, R any](fn func(ctx context.Context, args *A) (R, error)) middleware.CallFunc {
	return func(ctx context.Context, req *message.Request) (*message.Response, error) {
		args := new(A)
		if len(req.Payload) > 0 {
			if err := CodecFrom(ctx).Decode(req.Payload, args); err != nil {
				return nil, fmt.Errorf("decode %s args: %w", req.Op, err)
			}
		}
		reply, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return Reply(ctx, reply)
	}
}

// NoArgs is the argument type of opcodes without a payload.
type NoArgs struct{}
