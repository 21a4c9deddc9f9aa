package channel

import "context"

// MetadataSpeechRecognition marks inbound messages whose text was produced
// by the platform's speech recognition rather than typed by the sender.
const MetadataSpeechRecognition = "speech_recognition"

// SpeechRecognition drops platform-recognized text from voice messages when
// enabled is false; the voice attachment is kept.
func SpeechRecognition(enabled bool) Middleware {
	return func(next InboundHandler) InboundHandler {
		if enabled {
			return next
		}
		return func(ctx context.Context, cfg ChannelConfig, msg InboundMessage) error {
			if recognized, _ := msg.Metadata[MetadataSpeechRecognition].(bool); recognized {
				msg.Message.Text = ""
				metadata := make(map[string]any, len(msg.Metadata))
				for k, v := range msg.Metadata {
					if k != MetadataSpeechRecognition {
						metadata[k] = v
					}
				}
				msg.Metadata = metadata
				if msg.Message.IsEmpty() {
					return nil
				}
			}
			return next(ctx, cfg, msg)
		}
	}
}

// Chain applies mw to handler; the first middleware is the outermost.
func Chain(handler InboundHandler, mw ...Middleware) InboundHandler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}
