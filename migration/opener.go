package migration

import "github.com/aptpod/qpath-go/wire"

//go:generate mockgen -destination ./${GOPACKAGE}mock/${GOFILE} -package ${GOPACKAGE}mock -source ./${GOFILE}

// Opener は、データグラムからパケットを取り出し復号するインターフェースです。
//
// 鍵スケジュールや暗号化の実装が提供します。
type Opener interface {
	// Open は、データグラムに含まれるパケットを返します。
	//
	// 返却するパケットのペイロードは datagram を借用してもかまいません。
	Open(datagram []byte) ([]wire.Packet, error)
}

// OpenerFunc は、関数を Opener として使用するためのアダプターです。
type OpenerFunc func(datagram []byte) ([]wire.Packet, error)

func (f OpenerFunc) Open(datagram []byte) ([]wire.Packet, error) {
	return f(datagram)
}
