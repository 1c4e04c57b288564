package teno

import (
	"fmt"
	"strings"
)

const (
	commandJoin     = "teno-join"
	commandLeave    = "teno-leave"
	commandStop     = "teno-stop"
	commandSpeech   = "teno-speech"
	commandIgnore   = "teno-ignore"
	commandUnignore = "teno-unignore"
	commandForgetMe = "teno-forget-me"
	commandLock     = "teno-lock"
	commandStatus   = "teno-status"

	reasonLeaveCommand     = "leave command"
	reasonParticipantsLeft = "participants left"
	reasonMaxDuration      = "max duration"
	reasonBotRemoved       = "bot removed"
	reasonShutdown         = "shutdown"
	reasonOrphaned         = "orphaned"

	messageEphemeralWrongGuild        = ":warning: **このサーバーでは実行できません。**"
	messageEphemeralUnknownCommand    = ":warning: **不明なコマンドです。**"
	messageEphemeralVoiceLookupFailed = ":warning: **ボイスチャンネルの参加状態の確認に失敗しました。時間をおいて再度お試しください。**"
	messageEphemeralJoinVCFirst       = ":warning: **ボイスチャンネルに参加してから実行してください。**"
	messageEphemeralAlreadyRunning    = ":warning: **このボイスチャンネルでは既に会議を記録しています。**"
	messageEphemeralShuttingDown      = ":warning: **終了処理中のため、新しい会議を開始できません。**"
	messageEphemeralStartFailed       = ":warning: **会議の記録を開始できませんでした。時間をおいて再度お試しください。**"
	messageEphemeralEndFailed         = ":warning: **会議の終了処理の一部に失敗しました。**"
	messageEphemeralNotRunning        = ":warning: **このボイスチャンネルでは会議を記録していません。**"
	messageEphemeralLocked            = ":lock: **この会議はロックされています。開始した人だけが操作できます。**"
	messageEphemeralAuthorOnly        = ":lock: **会議を開始した人だけが実行できます。**"
	messageEphemeralForgetFailed      = ":warning: **発言の削除に失敗しました。時間をおいて再度お試しください。**"
	messageEphemeralLockFailed        = ":warning: **ロック状態の変更に失敗しました。時間をおいて再度お試しください。**"

	messageStartEphemeralFormat  = ":microphone2: <#%s> **の記録を開始しました。**\n-# /teno-leave コマンドで終了できます。"
	messageLeaveEphemeralFormat  = ":wave: <#%s> **の記録を終了しました。**"
	messageStopEphemeral         = ":mute: **発話を止めました。**"
	messageNotSpeakingEphemeral  = "-# 現在発話していません。"
	messageSpeechOnEphemeral     = ":speaking_head: **音声での応答をオンにしました。**"
	messageSpeechOffEphemeral    = ":speaking_head: **音声での応答をオフにしました。**"
	messageIgnoreEphemeral       = ":see_no_evil: **あなたの発言を記録しないようにしました。**\n-# /teno-unignore で元に戻せます。"
	messageIgnoreAgainEphemeral  = "-# あなたの発言は既に記録対象外です。"
	messageUnignoreEphemeral     = ":ear: **あなたの発言の記録を再開しました。**"
	messageUnignoreNoopEphemeral = "-# あなたの発言は記録対象です。"
	messageForgetEphemeralFormat = ":wastebasket: **あなたの発言 %d 件を記録から削除しました。**"
	messageLockEphemeral         = ":lock: **会議をロックしました。**"
	messageUnlockEphemeral       = ":unlock: **会議のロックを解除しました。**"

	messageStatusTitle           = ":bar_chart: **状態**"
	messageStatusNoMeeting       = "-# あなたがいるボイスチャンネルでは会議を記録していません。"
	messageStatusMeetingFormat   = "会議：<#%s>（経過 %s）"
	messageStatusFlagsFormat     = "音声応答：%s / ロック：%s / 参加者：%d 人 / 記録対象外：%d 人"
	messageStatusResponderFormat = "応答：%s / 発話中の参加者：%d 人"
	messageStatusActiveFormat    = "記録中の会議：%d 件"
	messageStatusHostPrefix      = "サーバー："
	messageStatusHostUnavailable = "-# サーバーの状態を取得できませんでした。"
	messageStatusIdle            = "待機中"
	messageStatusThinking        = "考え中"
	messageStatusSpeaking        = "発話中"

	messageStartChannelTitle = ":microphone2: **会議の記録を開始しました。**"
	messageStartChannelHint  = "-# 名前を呼ぶと %s が音声で答えます。/teno-speech で切り替えられます。"
	messageEndChannelTitle   = ":pause_button:  **会議の記録を終了しました。**"
	messageAttachmentTitle   = ":page_facing_up:  **会議の記録**"
	messageTextAnswerFailed  = ":warning: 回答を作成できませんでした。時間をおいて再度お試しください。"

	slashCommandJoinDescription     = "あなたがいるボイスチャンネルで会議の記録を開始します。"
	slashCommandLeaveDescription    = "あなたがいるボイスチャンネルの会議の記録を終了します。"
	slashCommandStopDescription     = "音声での応答を途中で止めます。"
	slashCommandSpeechDescription   = "音声での応答のオン・オフを切り替えます。"
	slashCommandIgnoreDescription   = "あなたの発言を記録しないようにします。"
	slashCommandUnignoreDescription = "あなたの発言の記録を再開します。"
	slashCommandForgetDescription   = "この会議でのあなたの発言を記録から削除します。"
	slashCommandLockDescription     = "会議のロックを切り替えます。ロック中は開始した人だけが操作できます。"
	slashCommandStatusDescription   = "会議とサーバーの状態を表示します。"
)

func endReasonDetail(reason string) string {
	switch reason {
	case reasonLeaveCommand:
		return "参加者に終了コマンドを実行されました。"
	case reasonParticipantsLeft:
		return "ボイスチャットに誰もいなくなりました。"
	case reasonMaxDuration:
		return "会議の最大記録時間に到達しました。"
	case reasonBotRemoved:
		return "ボットがボイスチャンネルから退出させられました。"
	case reasonShutdown:
		return "サーバーが停止しました。"
	default:
		return "不明なエラーが発生しました。"
	}
}

func endChannelMessage(reason string) string {
	return strings.Join([]string{messageEndChannelTitle, "-# " + endReasonDetail(reason)}, "\n")
}

func startChannelMessage(botName string) string {
	return strings.Join([]string{messageStartChannelTitle, fmt.Sprintf(messageStartChannelHint, botName)}, "\n")
}

func onOff(b bool) string {
	if b {
		return "オン"
	}
	return "オフ"
}
