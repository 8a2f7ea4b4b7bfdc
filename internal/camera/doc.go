// Package camera はキャプチャデバイスのライフサイクル管理とフレーム配信を担う
//
// # 責務
// - 非同期コールバック型のハードウェアAPIを介したデバイスのオープン・設定・キャプチャ・クローズ
// - 呼び出し側のコマンド（開始・停止・カメラ切替・破棄）と非同期完了通知の順序付け
// - 画面回転のバックグラウンドポーリングとフレーム毎の回転値の算出
// - 生フレーム（プレーナーYUV）の検証とシンクへの転送
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - ハードウェアのコールバック順序に依存せずにカメラを制御したい
// - カメラを前面・背面で切り替えたい
// - 回転・ミラー情報付きの生フレームを下流のパブリッシャーに渡したい
//
// # 仕様
//   - Capturer: 状態機械。コマンドは単一のロックで直列化される
//   - Worker: ハードウェアコールバック・フレーム通知・タイマーを実行する単一ゴルーチン
//   - PendingActions: afterClosed / afterOpened / afterSessionConfigured の単発スロット（後勝ち）
//   - CycleGuard: カメラ切替の同時実行を1つに制限する
//   - Selector: カメラ・出力サイズ・FPSレンジの選択
//   - SessionManager: 前面/背面に応じたキャプチャリクエストの構築とセッション制御
//   - FramePipeline: フレームの検証・回転計算・転送（フレームは必ず1回だけ解放される）
//   - ErrorRecovery: 障害時の Error 状態への遷移と通知
//
// # 前提要件
//   - ハードウェアは Provider インターフェースとして注入する（internal/hardware を参照）
//   - Observer のコールバックはロック解放後に呼ばれるため、その中から Capturer を操作してよい（Destroy を除く）
package camera
