package wire

// Summary は、パケットペイロードのうちパス管理に関係する情報です。
type Summary struct {
	Frames []Frame

	// AckEliciting は、ACKの送信を要求するフレームを含む場合に true です。
	AckEliciting bool
	// Probing は、全てのフレームがプロービングフレームの場合に true です。
	//
	// プロービングフレームのみのパケットでは、ピアがマイグレーションしたとはみなしません。
	Probing bool

	Challenges    [][8]byte
	Responses     [][8]byte
	Acks          []*AckFrame
	Streams       []*StreamFrame
	HandshakeDone bool
	Close         *ConnectionCloseFrame
}

// Inspect は、ペイロードをデコードして Summary を返します。
func Inspect(payload []byte) (Summary, error) {
	frames, err := ParseFrames(payload)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Frames: frames, Probing: len(frames) > 0}
	for _, f := range frames {
		switch f := f.(type) {
		case *PaddingFrame:
		case *PathChallengeFrame:
			s.Challenges = append(s.Challenges, f.Data)
			s.AckEliciting = true
		case *PathResponseFrame:
			s.Responses = append(s.Responses, f.Data)
			s.AckEliciting = true
		case *AckFrame:
			s.Acks = append(s.Acks, f)
			s.Probing = false
		case *ConnectionCloseFrame:
			s.Close = f
			s.Probing = false
		case *StreamFrame:
			s.Streams = append(s.Streams, f)
			s.AckEliciting = true
			s.Probing = false
		case *HandshakeDoneFrame:
			s.HandshakeDone = true
			s.AckEliciting = true
			s.Probing = false
		default:
			s.AckEliciting = true
			s.Probing = false
		}
	}
	return s, nil
}
