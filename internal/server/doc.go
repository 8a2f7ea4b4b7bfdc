// Package server は、キャプチャを操作するHTTP APIとフレーム配信を提供します。
//
// 責務:
//   - gin によるキャプチャ操作・状態取得エンドポイント
//   - カメラ一覧の提供
//   - WebSocket によるフレームメタデータの配信
//   - グレースフルシャットダウン
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - WebSocketはgorilla/websocketを使用
//   - 状態の誤用は409、不正なカメラインデックスは400で返す
//   - 送信が追いつかないWebSocketクライアント宛てのメッセージは破棄する
package server
