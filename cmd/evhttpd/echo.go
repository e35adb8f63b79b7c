package main

import (
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/channel"
	"github.com/sammck-go/evchan/pkg/httpcodec"
)

// echoHandler answers every aggregated request with a 200 carrying the
// request's own body. A request the decoder could not parse gets a 400 and
// the connection is closed.
type echoHandler struct {
	channel.InboundHandlerAdapter
}

func (echoHandler) ChannelRead(ctx *channel.HandlerContext, msg interface{}) error {
	req, ok := msg.(*httpcodec.FullRequest)
	if !ok {
		ctx.FireChannelRead(msg)
		return nil
	}
	if req.Result.IsFailure() {
		ctx.DLogf("Rejecting bad request: %s", req.Result.Cause())
		req.Release()
		resp := httpcodec.NewFullResponse(httpcodec.HTTP11, httpcodec.StatusBadRequest, nil)
		httpcodec.SetContentLength(resp, 0)
		httpcodec.SetKeepAlive(resp, false)
		ctx.WriteAndFlush(resp, nil)
		return nil
	}
	ctx.DLogf("%s %s (%s)", req.Method, req.URI, sizestr.ToString(int64(req.Body.ReadableBytes())))

	// the response takes over the request body
	resp := httpcodec.NewFullResponse(req.Version, httpcodec.StatusOK, req.Body)
	req.Body = buffer.Empty
	contentType := req.Header.Get(httpcodec.HeaderContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	resp.Header.Set(httpcodec.HeaderContentType, contentType)
	httpcodec.SetContentLength(resp, int64(resp.Body.ReadableBytes()))
	httpcodec.SetKeepAlive(resp, httpcodec.IsKeepAlive(req))
	ctx.WriteAndFlush(resp, nil)
	return nil
}
