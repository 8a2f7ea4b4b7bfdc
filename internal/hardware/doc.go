// Package hardware は camera.Provider の実装を提供する
//
// # 責務
// - SimulatedProvider: 非同期コールバックと合成フレームを生成するシミュレーター
// - V4L2Provider: v4l2-ctl と ffmpeg を使った Linux の V4L2 デバイス
// - StaticDisplay: 設定可能な画面回転
//
// # 仕様
//   - コールバックはすべて呼び出し元とは別のゴルーチンから発火する
//   - フレームリーダーは未解放のフレームを maxFrames 枚までしか渡さず、超えた分は破棄する
//   - フレームはプレーナー YUV 4:2:0（Y, U, V の3プレーン）で渡される
package hardware
