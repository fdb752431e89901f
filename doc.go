/*
Package qpathは、QUICのパス管理とコネクションマイグレーションの実装パッケージです。

各パッケージの役割は以下の通りです。

  - netpath: パスの識別子、検証状態、アンチアンプリフィケーション制限、パステーブル
  - migration: データグラムの受け入れ判定、パス検証、アクティブパスの選択、PTOバックオフの上限監視
  - endpoint: net.PacketConn 上でのコネクションの多重化
  - transport/udp: quic-go などの下で受信規則を適用する net.PacketConn
  - event, metrics: イベントの通知とPrometheusによる集計
  - config: TOMLファイルからの設定の読み込み

ここではエンドポイントを使った接続の流れについて説明します。

# Echo

クライアントは Dial でハンドシェイクの確定を待ち、サーバーは Accept で確定したコネクションを受け取ります。

	package main

	import (
		"context"
		"log"
		"net"

		"github.com/aptpod/qpath-go/endpoint"
	)

	func main() {
		ctx := context.Background()

		spc, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			log.Fatal(err)
		}
		server, err := endpoint.New(spc, endpoint.DefaultConfig())
		if err != nil {
			log.Fatal(err)
		}
		defer server.Close()

		cpc, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			log.Fatal(err)
		}
		client, err := endpoint.New(cpc, endpoint.DefaultConfig())
		if err != nil {
			log.Fatal(err)
		}
		defer client.Close()

		go func() {
			conn, err := server.Accept(ctx)
			if err != nil {
				return
			}
			b, _ := conn.Recv(ctx)
			conn.Send(ctx, b, true)
		}()

		conn, err := client.Dial(ctx, server.LocalAddr())
		if err != nil {
			log.Fatalf("failed to dial: %v", err)
		}
		if err := conn.Send(ctx, []byte("hello"), false); err != nil {
			log.Fatal(err)
		}
		b, err := conn.Recv(ctx)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("received %s", b)
	}

# Connection Migration

クライアントのソケットを付け替えると、確定済みのコネクションは新しいローカルアドレスのパスを検証してから移行します。
サーバーは新しいアドレスから届いた非プロービングパケットを契機にパスを検証し、アクティブパスを切り替えます。

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		log.Fatal(err)
	}
	if err := client.Rebind(ctx, pc); err != nil {
		log.Fatal(err)
	}

アクティブパスの切り替えは event.ActivePathUpdated として通知されます。

	events, err := server.Subscribe(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for e := range events {
		if u, ok := e.(event.ActivePathUpdated); ok {
			log.Printf("active path updated: %s", u.Remote)
		}
	}

ハンドシェイク確定前のアドレスの変化はマイグレーションとして扱われず、event.HandshakeRemoteAddressChangeObserved として通知されます。
禁止ポートからのデータグラムは常に破棄され、event.DatagramDropped として通知されます。
*/
package qpath
